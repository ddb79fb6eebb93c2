// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptobox

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/agl/ed25519"
	"github.com/companyzero/sntrup4591761"
	"github.com/davecgh/go-xdr/xdr2"
)

// LastResortID is the reserved id of the reusable prekey.  All other
// prekeys are single use and are consumed on session establishment.
const LastResortID = 65535

// PreKeyBundle is the published half of a prekey.  A peer uses it to
// initiate a session without a round trip.  The bundle is signed by the
// owner's identity signing key.
type PreKeyBundle struct {
	ID        uint32
	Key       [sntrup4591761.PublicKeySize]byte
	SigKey    [ed25519.PublicKeySize]byte
	Signature [ed25519.SignatureSize]byte // signature of bundleDigest
}

// preKeyRecord is the on disk form of a prekey; it retains the private half
// so incoming session openers can be decapsulated.
type preKeyRecord struct {
	ID         uint32
	PublicKey  [sntrup4591761.PublicKeySize]byte
	PrivateKey [sntrup4591761.PrivateKeySize]byte
}

func bundleDigest(id uint32, key *[sntrup4591761.PublicKeySize]byte) []byte {
	d := sha256.New()
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], id)
	d.Write(idb[:])
	d.Write(key[:])
	return d.Sum(nil)
}

func (pk *PreKeyBundle) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, pk)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalPreKeyBundle decodes and verifies a published prekey bundle.
func UnmarshalPreKeyBundle(data []byte) (*PreKeyBundle, error) {
	br := bytes.NewReader(data)
	pk := PreKeyBundle{}
	_, err := xdr.Unmarshal(br, &pk)
	if err != nil {
		return nil, ErrUnmarshal
	}

	if !ed25519.Verify(&pk.SigKey, bundleDigest(pk.ID, &pk.Key),
		&pk.Signature) {
		return nil, ErrVerify
	}

	return &pk, nil
}

func marshalPreKeyRecord(r *preKeyRecord) ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, r)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalPreKeyRecord(data []byte) (*preKeyRecord, error) {
	br := bytes.NewReader(data)
	r := preKeyRecord{}
	_, err := xdr.Unmarshal(br, &r)
	if err != nil {
		return nil, ErrUnmarshal
	}

	return &r, nil
}
