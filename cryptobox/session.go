// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptobox

import (
	"bytes"
	"crypto/sha512"
	"io"

	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/nacl/secretbox"
)

// sessionState is the persisted form of a session.  A session is mutated
// only through a strict load, operate, save sequence; the owning bot lock
// serializes all operations on one device.
type sessionState struct {
	Initiator bool
	PreKeyID  uint32
	KEMCipher []byte // KEM ciphertext, retained on the initiator side
	SendKey   [32]byte
	RecvKey   [32]byte
	SendCount uint32
	RecvCount uint32
}

// Session is the cryptographic state shared with one remote device.
type Session struct {
	user   string
	client string
	state  sessionState
}

// sealedMessage is the wire form of one encrypted payload.  KEMCipher is
// populated on every message sent by the session initiator so a receiver
// without state can always establish; established receivers ignore it.
type sealedMessage struct {
	PreKeyID  uint32
	KEMCipher []byte
	Nonce     [24]byte
	Sealed    []byte
}

// deriveKeys returns the two directional 32-byte keys determined
// exclusively by the KEM shared key.  The first key protects
// initiator-to-responder traffic, the second the reverse direction.
func deriveKeys(shared *[32]byte) (itr, rti [32]byte) {
	d := sha512.New()
	d.Write([]byte("zkbot session v1"))
	d.Write(shared[:])
	k := d.Sum(nil)
	copy(itr[:], k[:32])
	copy(rti[:], k[32:64])
	return
}

// User returns the remote user id of the session's device.
func (s *Session) User() string {
	return s.user
}

// Client returns the remote client id of the session's device.
func (s *Session) Client() string {
	return s.client
}

// Encrypt seals data for the session's device.
func (s *Session) Encrypt(data []byte) ([]byte, error) {
	var nonce [24]byte
	_, err := io.ReadFull(prng, nonce[:])
	if err != nil {
		return nil, err
	}

	sm := sealedMessage{
		Nonce:  nonce,
		Sealed: secretbox.Seal(nil, data, &nonce, &s.state.SendKey),
	}
	if s.state.Initiator {
		sm.PreKeyID = s.state.PreKeyID
		sm.KEMCipher = s.state.KEMCipher
	}

	b := &bytes.Buffer{}
	_, err = xdr.Marshal(b, &sm)
	if err != nil {
		return nil, ErrMarshal
	}

	s.state.SendCount++
	return b.Bytes(), nil
}

// Decrypt opens a sealed message from the session's device.
func (s *Session) Decrypt(data []byte) ([]byte, error) {
	sm, err := unmarshalSealedMessage(data)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, sm.Sealed, &sm.Nonce,
		&s.state.RecvKey)
	if !ok {
		return nil, ErrDecrypt
	}

	s.state.RecvCount++
	return plain, nil
}

func secretboxOpen(sealed []byte, nonce *[24]byte, key *[32]byte) ([]byte, bool) {
	return secretbox.Open(nil, sealed, nonce, key)
}

func unmarshalSealedMessage(data []byte) (*sealedMessage, error) {
	br := bytes.NewReader(data)
	sm := sealedMessage{}
	_, err := xdr.Unmarshal(br, &sm)
	if err != nil {
		return nil, ErrUnmarshal
	}
	return &sm, nil
}

func marshalSessionState(st *sessionState) ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, st)
	if err != nil {
		return nil, ErrMarshal
	}
	return b.Bytes(), nil
}

func unmarshalSessionState(data []byte) (*sessionState, error) {
	br := bytes.NewReader(data)
	st := sessionState{}
	_, err := xdr.Unmarshal(br, &st)
	if err != nil {
		return nil, ErrUnmarshal
	}
	return &st, nil
}
