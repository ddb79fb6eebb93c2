// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wiremsg contains the structured message payloads that flow between
// a bot and conversation members.  A GenericMessage is encoded exactly once
// and the resulting bytes are encrypted separately for every recipient
// device; the plaintext is shared, the ciphertext is per recipient.
package wiremsg

import (
	"bytes"
	"errors"

	"github.com/davecgh/go-xdr/xdr2"
	"github.com/google/uuid"
)

var (
	ErrMarshal   = errors.New("could not marshal")
	ErrUnmarshal = errors.New("could not unmarshal")
)

// Message commands.  Command discriminates the payload arm, same scheme as a
// tagged union.  The receiver shall ignore arms other than the one selected.
const (
	CmdText         = "text"
	CmdAsset        = "asset"
	CmdConfirmation = "confirmation"
)

// Confirmation types.
const (
	ConfirmationDelivered = 0
	ConfirmationRead      = 1
)

// GenericMessage is the envelope for all payload content.
type GenericMessage struct {
	MessageID    string
	Command      string       // payload discriminator
	Text         Text         // valid when Command == CmdText
	Asset        Asset        // valid when Command == CmdAsset
	Confirmation Confirmation // valid when Command == CmdConfirmation
}

// Text is a plain text message.
type Text struct {
	Content string
}

// Asset describes a binary attachment stored out-of-band on the backend
// object store.  Original carries the cleartext metadata, Uploaded the
// location and decryption material.
type Asset struct {
	Original AssetOriginal
	Uploaded AssetUploaded
}

type AssetOriginal struct {
	MimeType string
	Size     uint64
	HasImage bool
	Image    ImageMetadata // valid when HasImage
}

type ImageMetadata struct {
	Width  uint32
	Height uint32
}

// AssetUploaded travels inside the encrypted message so that only session
// holding recipients learn the key and digest of the stored envelope.
type AssetUploaded struct {
	OTRKey     []byte
	SHA256     []byte
	AssetID    string
	AssetToken string
}

// Confirmation acknowledges delivery of a previously received message.
type Confirmation struct {
	MessageID string
	Type      uint32
}

func (m *GenericMessage) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, m)
	if err != nil {
		return nil, ErrMarshal
	}

	return b.Bytes(), nil
}

func Unmarshal(data []byte) (*GenericMessage, error) {
	br := bytes.NewReader(data)
	m := GenericMessage{}
	_, err := xdr.Unmarshal(br, &m)
	if err != nil {
		return nil, ErrUnmarshal
	}

	return &m, nil
}

// NewText returns a text message with a fresh time based message id.
func NewText(content string) *GenericMessage {
	return &GenericMessage{
		MessageID: newMessageID(),
		Command:   CmdText,
		Text:      Text{Content: content},
	}
}

// NewAsset returns an asset message referencing an uploaded envelope.
func NewAsset(original AssetOriginal, uploaded AssetUploaded) *GenericMessage {
	return &GenericMessage{
		MessageID: newMessageID(),
		Command:   CmdAsset,
		Asset: Asset{
			Original: original,
			Uploaded: uploaded,
		},
	}
}

// NewConfirmation returns a delivery confirmation for messageID.
func NewConfirmation(messageID string) *GenericMessage {
	return &GenericMessage{
		MessageID: newMessageID(),
		Command:   CmdConfirmation,
		Confirmation: Confirmation{
			MessageID: messageID,
			Type:      ConfirmationDelivered,
		},
	}
}

func newMessageID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		// NewUUID fails only when the clock sequence cannot be
		// obtained; fall back to a random id.
		return uuid.New().String()
	}
	return id.String()
}
