// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptobox

import (
	"bytes"
	"os"
	"path"
	"testing"

	"github.com/companyzero/zkbot/keystore"
)

func testBox(t *testing.T, id string) (*Box, *keystore.Bot) {
	dir, err := os.MkdirTemp("", "cryptobox")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := keystore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	bh, err := store.Bot(id)
	if err != nil {
		t.Fatal(err)
	}
	box, err := Open(bh)
	if err != nil {
		t.Fatal(err)
	}
	return box, bh
}

func TestIdentityPersistence(t *testing.T) {
	box, bh := testBox(t, "bot1")

	// reopening the same store must yield the same identity
	again, err := Open(bh)
	if err != nil {
		t.Fatal(err)
	}
	if box.Identity().String() != again.Identity().String() {
		t.Fatalf("identity changed across open")
	}
}

func TestIdentityMarshal(t *testing.T) {
	fi, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	blob, err := fi.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalFullIdentity(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Public.Verify() {
		t.Fatalf("identity did not verify after round trip")
	}
	if back.Public.String() != fi.Public.String() {
		t.Fatalf("identity mismatch after round trip")
	}
}

func TestNewPreKeys(t *testing.T) {
	box, _ := testBox(t, "bot1")

	bundles, err := box.NewPreKeys(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundles) != 9 {
		t.Fatalf("expected 9 bundles, got %v", len(bundles))
	}
	for i, blob := range bundles {
		pk, err := UnmarshalPreKeyBundle(blob)
		if err != nil {
			t.Fatalf("bundle %v: %v", i, err)
		}
		want := uint32(i)
		if i == len(bundles)-1 {
			want = LastResortID
		}
		if pk.ID != want {
			t.Fatalf("bundle %v: expected id %v, got %v", i, want,
				pk.ID)
		}
	}
}

func TestBundleTamper(t *testing.T) {
	box, _ := testBox(t, "bot1")

	bundles, err := box.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	blob := bundles[0]
	blob[8] ^= 0xff
	_, err = UnmarshalPreKeyBundle(blob)
	if err != ErrVerify {
		t.Fatalf("expected ErrVerify, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	alice, _ := testBox(t, "alice")
	bob, _ := testBox(t, "bob")

	bundles, err := bob.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}

	// alice initiates a session to bob's device from his bundle
	as, err := alice.SessionFromPreKey("bob", "dev1", bundles[0])
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("test message")
	ct, err := as.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	err = alice.SessionSave(as)
	if err != nil {
		t.Fatal(err)
	}

	// bob has no session yet and establishes from the message
	bs, plain, err := bob.SessionFromMessage("alice", "dev1", ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, plain) {
		t.Fatalf("result doesn't match: %x vs %x", msg, plain)
	}

	// and can answer over the established session
	answer := []byte("answer")
	ct2, err := bs.Encrypt(answer)
	if err != nil {
		t.Fatal(err)
	}
	err = bob.SessionSave(bs)
	if err != nil {
		t.Fatal(err)
	}

	plain2, err := as.Decrypt(ct2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(answer, plain2) {
		t.Fatalf("result doesn't match: %x vs %x", answer, plain2)
	}
}

func TestSessionPersistence(t *testing.T) {
	alice, _ := testBox(t, "alice")
	bob, _ := testBox(t, "bob")

	bundles, err := bob.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	as, err := alice.SessionFromPreKey("bob", "dev1", bundles[0])
	if err != nil {
		t.Fatal(err)
	}
	ct, err := as.Encrypt([]byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	err = alice.SessionSave(as)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = bob.SessionFromMessage("alice", "dev1", ct)
	if err != nil {
		t.Fatal(err)
	}

	// reload both sessions from disk and exchange again
	as2, err := alice.SessionLoad("bob", "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if as2 == nil {
		t.Fatalf("alice session not persisted")
	}
	bs2, err := bob.SessionLoad("alice", "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if bs2 == nil {
		t.Fatalf("bob session not persisted")
	}

	msg := []byte("after reload")
	ct2, err := as2.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := bs2.Decrypt(ct2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, plain) {
		t.Fatalf("result doesn't match: %x vs %x", msg, plain)
	}
}

func TestPreKeyConsumption(t *testing.T) {
	alice, _ := testBox(t, "alice")
	bob, bh := testBox(t, "bob")

	bundles, err := bob.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}

	as, err := alice.SessionFromPreKey("bob", "dev1", bundles[0])
	if err != nil {
		t.Fatal(err)
	}
	ct, err := as.Encrypt([]byte("open"))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = bob.SessionFromMessage("alice", "dev1", ct)
	if err != nil {
		t.Fatal(err)
	}

	// prekey 0 is single use and must be gone
	blob, err := bh.LoadPreKey(0)
	if err != nil {
		t.Fatal(err)
	}
	if blob != nil {
		t.Fatalf("single use prekey not consumed")
	}

	// the last resort prekey survives use
	a2, _ := testBox(t, "carol")
	s2, err := a2.SessionFromPreKey("bob", "dev1", bundles[1])
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := s2.Encrypt([]byte("open2"))
	if err != nil {
		t.Fatal(err)
	}
	// bob already has a session for alice/dev1, use a fresh device id
	_, _, err = bob.SessionFromMessage("carol", "dev1", ct2)
	if err != nil {
		t.Fatal(err)
	}
	blob, err = bh.LoadPreKey(LastResortID)
	if err != nil {
		t.Fatal(err)
	}
	if blob == nil {
		t.Fatalf("last resort prekey was consumed")
	}
}

func TestDecryptGarbage(t *testing.T) {
	alice, _ := testBox(t, "alice")
	bob, _ := testBox(t, "bob")

	bundles, err := bob.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	as, err := alice.SessionFromPreKey("bob", "dev1", bundles[0])
	if err != nil {
		t.Fatal(err)
	}
	// 16 byte payload so the sealed box needs no trailing padding
	ct, err := as.Encrypt([]byte("sixteen choochoo"))
	if err != nil {
		t.Fatal(err)
	}

	// flip a byte inside the sealed box
	ct[len(ct)-1] ^= 0xff
	_, _, err = bob.SessionFromMessage("alice", "dev1", ct)
	if err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestSessionFilesOnDisk(t *testing.T) {
	alice, bh := testBox(t, "alice")
	bob, _ := testBox(t, "bob")

	bundles, err := bob.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	as, err := alice.SessionFromPreKey("bob", "dev1", bundles[0])
	if err != nil {
		t.Fatal(err)
	}
	err = alice.SessionSave(as)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path.Join(bh.Dir(),
		"session_bob_dev1")); err != nil {
		t.Fatalf("session file not on disk: %v", err)
	}
}
