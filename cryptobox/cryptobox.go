// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cryptobox manages a bot's identity, published prekeys and per
// device sessions.  Sessions are established either outbound from a peer's
// prekey bundle or inbound from the opening message of an unknown peer, and
// are persisted through a keystore bot handle after every operation.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/companyzero/sntrup4591761"
	"github.com/companyzero/zkbot/keystore"
)

var (
	prng = rand.Reader

	ErrDecrypt   = errors.New("decrypt failure")
	ErrVerify    = errors.New("verify error")
	ErrMarshal   = errors.New("could not marshal")
	ErrUnmarshal = errors.New("could not unmarshal")
	ErrNoSession = errors.New("no session established")
	ErrNoPreKey  = errors.New("prekey not found")
)

// Box ties an identity and its sessions to one bot's keystore directory.
type Box struct {
	store *keystore.Bot
	id    *FullIdentity
}

// Open binds a Box to a bot storage handle.  The bot identity is loaded
// from the store, or generated and persisted on first use.
func Open(store *keystore.Bot) (*Box, error) {
	blob, err := store.LoadIdentity()
	if err != nil {
		return nil, err
	}

	var fi *FullIdentity
	if blob == nil {
		fi, err = NewIdentity()
		if err != nil {
			return nil, err
		}
		blob, err = fi.Marshal()
		if err != nil {
			return nil, err
		}
		err = store.SaveIdentity(blob)
		if err != nil {
			return nil, err
		}
	} else {
		fi, err = UnmarshalFullIdentity(blob)
		if err != nil {
			return nil, err
		}
	}

	return &Box{store: store, id: fi}, nil
}

// Identity returns the bot's public identity.
func (b *Box) Identity() PublicIdentity {
	return b.id.Public
}

// newPreKey generates, persists and returns the published bundle for one
// prekey id.
func (b *Box) newPreKey(id uint32) ([]byte, error) {
	kemPub, kemPriv, err := sntrup4591761.GenerateKey(prng)
	if err != nil {
		return nil, err
	}

	rec := preKeyRecord{ID: id}
	copy(rec.PublicKey[:], kemPub[:])
	copy(rec.PrivateKey[:], kemPriv[:])
	blob, err := marshalPreKeyRecord(&rec)
	if err != nil {
		return nil, err
	}
	err = b.store.AddPreKey(id, blob)
	if err != nil {
		return nil, err
	}

	bundle := PreKeyBundle{ID: id}
	copy(bundle.Key[:], kemPub[:])
	copy(bundle.SigKey[:], b.id.Public.SigKey[:])
	sig := b.id.SignMessage(bundleDigest(id, &bundle.Key))
	copy(bundle.Signature[:], sig[:])

	zero(kemPriv[:])

	return bundle.Marshal()
}

// NewPreKeys generates n rotating prekeys with ids 0..n-1 plus the last
// resort prekey.  The marshaled bundles are returned in id order with the
// last resort bundle last.
func (b *Box) NewPreKeys(n int) ([][]byte, error) {
	bundles := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		bundle, err := b.newPreKey(uint32(i))
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	bundle, err := b.newPreKey(LastResortID)
	if err != nil {
		return nil, err
	}
	bundles = append(bundles, bundle)

	return bundles, nil
}

// SessionLoad retrieves the session for device (user, client).  It returns
// (nil, nil) when no session exists; device sessions are discovered lazily
// and a missing session is not an error.
func (b *Box) SessionLoad(user, client string) (*Session, error) {
	blob, err := b.store.LoadSession(user, client)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	st, err := unmarshalSessionState(blob)
	if err != nil {
		return nil, err
	}
	return &Session{user: user, client: client, state: *st}, nil
}

// SessionSave persists the session's current state.
func (b *Box) SessionSave(s *Session) error {
	blob, err := marshalSessionState(&s.state)
	if err != nil {
		return err
	}
	return b.store.SaveSession(s.user, s.client, blob)
}

// SessionFromPreKey establishes a fresh outbound session with device
// (user, client) from its published prekey bundle.  The caller must
// SessionSave after the first Encrypt.
func (b *Box) SessionFromPreKey(user, client string, bundle []byte) (*Session, error) {
	pk, err := UnmarshalPreKeyBundle(bundle)
	if err != nil {
		return nil, err
	}

	c, k, err := sntrup4591761.Encapsulate(prng, &pk.Key)
	if err != nil {
		return nil, fmt.Errorf("could not encapsulate key: %v", err)
	}

	itr, rti := deriveKeys(k)
	s := Session{
		user:   user,
		client: client,
		state: sessionState{
			Initiator: true,
			PreKeyID:  pk.ID,
			KEMCipher: c[:],
			SendKey:   itr,
			RecvKey:   rti,
		},
	}

	return &s, nil
}

// SessionFromMessage establishes an inbound session from the opening
// message of a device we have no state for, returning the new session and
// the decrypted payload.  The consumed prekey is deleted unless it is the
// last resort prekey.  The session is persisted before returning.
func (b *Box) SessionFromMessage(user, client string, data []byte) (*Session, []byte, error) {
	sm, err := unmarshalSealedMessage(data)
	if err != nil {
		return nil, nil, err
	}
	if len(sm.KEMCipher) != sntrup4591761.CiphertextSize {
		return nil, nil, ErrNoSession
	}

	blob, err := b.store.LoadPreKey(sm.PreKeyID)
	if err != nil {
		return nil, nil, err
	}
	if blob == nil {
		return nil, nil, ErrNoPreKey
	}
	rec, err := unmarshalPreKeyRecord(blob)
	if err != nil {
		return nil, nil, err
	}

	c := new([sntrup4591761.CiphertextSize]byte)
	copy(c[:], sm.KEMCipher)
	k, ok := sntrup4591761.Decapsulate(c, &rec.PrivateKey)
	if ok != 1 {
		return nil, nil, ErrDecrypt
	}

	// the remote device initiated, so directions are swapped
	itr, rti := deriveKeys(k)
	s := Session{
		user:   user,
		client: client,
		state: sessionState{
			SendKey: rti,
			RecvKey: itr,
		},
	}

	plain, opened := secretboxOpen(sm.Sealed, &sm.Nonce, &s.state.RecvKey)
	if !opened {
		return nil, nil, ErrDecrypt
	}
	s.state.RecvCount++

	if sm.PreKeyID != LastResortID {
		err = b.store.DeletePreKey(sm.PreKeyID)
		if err != nil {
			return nil, nil, err
		}
	}

	err = b.SessionSave(&s)
	if err != nil {
		return nil, nil, err
	}

	return &s, plain, nil
}
