// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package asset implements the encrypted envelope used to store binary
// attachments out-of-band from the message channel.  An envelope is the
// random IV followed by the AES-256-CBC ciphertext of the original bytes;
// the random key and the SHA256 digest of the envelope travel inside the
// encrypted message so only conversation members can decrypt the blob
// fetched from the backend object store.
package asset

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	prng = rand.Reader

	ErrIntegrity = errors.New("envelope digest mismatch")
	ErrEnvelope  = errors.New("malformed envelope")
)

// Boundary is the fixed multipart boundary the backend asset upload
// endpoint expects.
const Boundary = "frontier"

// Metadata is the cleartext policy part of an asset upload.
type Metadata struct {
	Public    bool   `json:"public"`
	Retention string `json:"retention"`
}

// DefaultMetadata is the policy applied to bot uploads.
var DefaultMetadata = Metadata{
	Public:    false,
	Retention: "volatile",
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrEnvelope
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrEnvelope
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrEnvelope
		}
	}
	return data[:len(data)-n], nil
}

// Encrypt seals data under a freshly generated random 256 bit key and
// random IV.  It returns the envelope (IV followed by ciphertext), the key
// and the SHA256 digest of the envelope.
func Encrypt(data []byte) (envelope []byte, key *[32]byte, digest [sha256.Size]byte, err error) {
	key = new([32]byte)
	_, err = io.ReadFull(prng, key[:])
	if err != nil {
		return nil, nil, digest, err
	}

	iv := make([]byte, aes.BlockSize)
	_, err = io.ReadFull(prng, iv)
	if err != nil {
		return nil, nil, digest, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, digest, err
	}

	padded := pad(data)
	envelope = make([]byte, aes.BlockSize+len(padded))
	copy(envelope, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(envelope[aes.BlockSize:],
		padded)

	digest = sha256.Sum256(envelope)
	return envelope, key, digest, nil
}

// Decrypt opens an envelope fetched from the object store.  The digest of
// the full envelope is recomputed and compared against the expected digest
// before any decryption takes place; a mismatch means the stored blob was
// corrupted or tampered with and is never returned to the caller.
func Decrypt(envelope []byte, key *[32]byte, digest [sha256.Size]byte) ([]byte, error) {
	if sha256.Sum256(envelope) != digest {
		return nil, ErrIntegrity
	}
	if len(envelope) < 2*aes.BlockSize ||
		len(envelope)%aes.BlockSize != 0 {
		return nil, ErrEnvelope
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := envelope[:aes.BlockSize]
	padded := make([]byte, len(envelope)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded,
		envelope[aes.BlockSize:])

	return unpad(padded)
}

// Multipart packages an envelope into the two part multipart/mixed body
// the backend upload endpoint expects: a JSON metadata part followed by
// the binary part with a Content-MD5 header for the backend's own
// integrity check.
func Multipart(meta Metadata, mimeType string, envelope []byte) ([]byte, error) {
	js, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	sum := md5.Sum(envelope)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])

	head := fmt.Sprintf("--%s\r\n"+
		"Content-Type: application/json; charset=utf-8\r\n"+
		"Content-Length: %d\r\n\r\n"+
		"%s\r\n"+
		"--%s\r\n"+
		"Content-Type: %s\r\n"+
		"Content-Length: %d\r\n"+
		"Content-MD5: %s\r\n\r\n",
		Boundary, len(js), js, Boundary, mimeType, len(envelope),
		contentMD5)

	body := make([]byte, 0, len(head)+len(envelope)+len(Boundary)+8)
	body = append(body, head...)
	body = append(body, envelope...)
	body = append(body, fmt.Sprintf("\r\n--%s--\r\n", Boundary)...)

	return body, nil
}
