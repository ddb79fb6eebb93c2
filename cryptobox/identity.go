// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptobox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/agl/ed25519"
	"github.com/companyzero/sntrup4591761"
	"github.com/davecgh/go-xdr/xdr2"
)

// A bot identity consists of an ed25519 signing keypair and an NTRU Prime
// KEM keypair (used to derive symmetric session keys).  An extra Identity
// field, taken as the SHA256 of the KEM public key, is used as a short
// handle to uniquely identify the bot.
type PublicIdentity struct {
	SigKey    [ed25519.PublicKeySize]byte
	Key       [sntrup4591761.PublicKeySize]byte
	Identity  [sha256.Size]byte
	Digest    [sha256.Size]byte           // digest of keys and identity
	Signature [ed25519.SignatureSize]byte // signature of Digest
}

type FullIdentity struct {
	Public        PublicIdentity
	PrivateSigKey [ed25519.PrivateKeySize]byte
	PrivateKey    [sntrup4591761.PrivateKeySize]byte
}

// NewIdentity generates a fresh bot identity.
func NewIdentity() (*FullIdentity, error) {
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	kemPub, kemPriv, err := sntrup4591761.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	identity := sha256.Sum256(kemPub[:])

	fi := new(FullIdentity)
	copy(fi.Public.SigKey[:], ed25519Pub[:])
	copy(fi.Public.Key[:], kemPub[:])
	copy(fi.Public.Identity[:], identity[:])
	copy(fi.PrivateSigKey[:], ed25519Priv[:])
	copy(fi.PrivateKey[:], kemPriv[:])
	err = fi.recalculateDigest()
	if err != nil {
		return nil, err
	}

	zero(ed25519Pub[:])
	zero(ed25519Priv[:])
	zero(kemPub[:])
	zero(kemPriv[:])

	return fi, nil
}

func (fi *FullIdentity) recalculateDigest() error {
	d := sha256.New()
	d.Write(fi.Public.SigKey[:])
	d.Write(fi.Public.Key[:])
	d.Write(fi.Public.Identity[:])
	copy(fi.Public.Digest[:], d.Sum(nil))

	signature := ed25519.Sign(&fi.PrivateSigKey, fi.Public.Digest[:])
	copy(fi.Public.Signature[:], signature[:])
	if !fi.Public.Verify() {
		return ErrVerify
	}

	return nil
}

func (fi *FullIdentity) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, fi)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func UnmarshalFullIdentity(data []byte) (*FullIdentity, error) {
	br := bytes.NewReader(data)
	fi := FullIdentity{}
	_, err := xdr.Unmarshal(br, &fi)
	if err != nil {
		return nil, err
	}

	return &fi, nil
}

func (fi *FullIdentity) SignMessage(message []byte) [ed25519.SignatureSize]byte {
	signature := ed25519.Sign(&fi.PrivateSigKey, message)
	return *signature
}

func (p PublicIdentity) VerifyMessage(msg []byte, sig [ed25519.SignatureSize]byte) bool {
	return ed25519.Verify(&p.SigKey, msg, &sig)
}

func (p PublicIdentity) String() string {
	return hex.EncodeToString(p.Identity[:])
}

func (p *PublicIdentity) Verify() bool {
	d := sha256.New()
	d.Write(p.SigKey[:])
	d.Write(p.Key[:])
	d.Write(p.Identity[:])
	if !bytes.Equal(p.Digest[:], d.Sum(nil)) {
		return false
	}
	return ed25519.Verify(&p.SigKey, p.Digest[:], &p.Signature)
}

// Zero out a byte slice.
func zero(in []byte) {
	if in == nil {
		return
	}
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
