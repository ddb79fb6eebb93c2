// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/companyzero/zkbot/asset"
	"github.com/companyzero/zkbot/backend"
	"github.com/companyzero/zkbot/wiremsg"
)

// encryptForDevices encrypts plain for every known device that already has
// a session.  Devices without a session are skipped; the backend's
// missing-devices answer decides whether they are reachable.
func (b *Bot) encryptForDevices(otr *backend.OTRMessage, plain []byte) error {
	for user, clients := range b.devices {
		for _, client := range clients {
			sess, err := b.box.SessionLoad(user, client)
			if err != nil {
				return err
			}
			if sess == nil {
				// no cipher for this device
				continue
			}
			ct, err := sess.Encrypt(plain)
			if err != nil {
				return err
			}
			err = b.box.SessionSave(sess)
			if err != nil {
				return err
			}
			addRecipient(otr, user, client, ct)
		}
	}
	return nil
}

// encryptForPreKeys establishes brand new sessions from fetched prekey
// bundles, encrypts the same plaintext with each, and merges the devices
// into the directory.
func (b *Bot) encryptForPreKeys(otr *backend.OTRMessage, prekeys backend.PreKeyMap, plain []byte) error {
	for user, clients := range prekeys {
		for client, entry := range clients {
			bundle, err := base64.StdEncoding.DecodeString(entry.Key)
			if err != nil {
				return fmt.Errorf("invalid prekey for %v/%v: %v",
					user, client, err)
			}
			sess, err := b.box.SessionFromPreKey(user, client, bundle)
			if err != nil {
				return err
			}
			ct, err := sess.Encrypt(plain)
			if err != nil {
				return err
			}
			err = b.box.SessionSave(sess)
			if err != nil {
				return err
			}
			addRecipient(otr, user, client, ct)
			b.addDevice(user, client)
		}
	}
	return nil
}

func addRecipient(otr *backend.OTRMessage, user, client string, ct []byte) {
	if otr.Recipients[user] == nil {
		otr.Recipients[user] = make(map[string]string)
	}
	otr.Recipients[user][client] = base64.StdEncoding.EncodeToString(ct)
}

func (b *Bot) addDevice(user, client string) {
	if b.devices == nil {
		b.devices = make(map[string][]string)
	}
	for _, c := range b.devices[user] {
		if c == client {
			return
		}
	}
	b.devices[user] = append(b.devices[user], client)
}

// sendMessage encodes msg once and fans it out to the conversation's
// device set.  A missing-devices answer triggers exactly one prekey fetch
// and resend round; a second missing-devices answer is returned to the
// caller as a partial delivery result, never retried further.  Called with
// the bot lock held.
func (b *Bot) sendMessage(msg *wiremsg.GenericMessage) (*backend.SendResult, error) {
	plain, err := msg.Marshal()
	if err != nil {
		return nil, err
	}

	otr := &backend.OTRMessage{
		Sender:     b.client,
		Recipients: make(map[string]map[string]string),
	}
	err = b.encryptForDevices(otr, plain)
	if err != nil {
		return nil, err
	}

	b.svc.T(idSend, "bot %v send %v to %v recipients", b.id,
		msg.MessageID, len(otr.Recipients))

	result, err := b.backend.SendMessage(otr, false)
	if err != nil {
		return nil, err
	}
	if !result.MissingDevices() {
		return result, nil
	}

	// one extra round trip: fetch prekeys for exactly the missing
	// devices, open sessions, encrypt the same plaintext and resend
	prekeys, err := b.backend.FetchPreKeys(result.Missing)
	if err != nil {
		return nil, err
	}
	err = b.encryptForPreKeys(otr, prekeys, plain)
	if err != nil {
		return nil, err
	}

	result, err = b.backend.SendMessage(otr, false)
	if err != nil {
		return nil, err
	}
	if result.MissingDevices() {
		b.svc.Warn(idSend, "bot %v message %v still missing %v "+
			"devices after retry", b.id, msg.MessageID,
			len(result.Missing))
	}
	return result, nil
}

// decrypt opens an inbound ciphertext from device (user, client),
// establishing a session from the message itself when none exists yet.
// Called with the bot lock held.
func (b *Bot) decrypt(user, client, ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %v", err)
	}

	sess, err := b.box.SessionLoad(user, client)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		_, plain, err := b.box.SessionFromMessage(user, client, data)
		if err != nil {
			return nil, err
		}
		b.addDevice(user, client)
		return plain, nil
	}

	plain, err := sess.Decrypt(data)
	if err != nil {
		return nil, err
	}
	err = b.box.SessionSave(sess)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// SendText fans a text message out to the conversation.
func (b *Bot) SendText(content string) (*backend.SendResult, error) {
	b.Lock()
	defer b.Unlock()
	return b.sendMessage(wiremsg.NewText(content))
}

// SendImage encrypts data into an asset envelope, uploads it, and sends
// the asset message referencing the stored envelope together with the
// decryption key and digest.
func (b *Bot) SendImage(data []byte, mimeType string, width, height uint32) (*backend.SendResult, error) {
	envelope, key, digest, err := asset.Encrypt(data)
	if err != nil {
		return nil, err
	}
	body, err := asset.Multipart(asset.DefaultMetadata, mimeType, envelope)
	if err != nil {
		return nil, err
	}

	b.Lock()
	defer b.Unlock()

	reply, err := b.backend.UploadAsset(body)
	if err != nil {
		return nil, err
	}
	b.svc.Dbg(idSend, "bot %v uploaded asset %v", b.id, reply.Key)

	msg := wiremsg.NewAsset(
		wiremsg.AssetOriginal{
			MimeType: mimeType,
			Size:     uint64(len(data)),
			HasImage: true,
			Image: wiremsg.ImageMetadata{
				Width:  width,
				Height: height,
			},
		},
		wiremsg.AssetUploaded{
			OTRKey:     key[:],
			SHA256:     digest[:],
			AssetID:    reply.Key,
			AssetToken: reply.Token,
		},
	)
	return b.sendMessage(msg)
}

// DownloadAsset fetches a stored asset envelope and decrypts it with the
// out-of-band key, verifying the envelope digest first.
func (b *Bot) DownloadAsset(assetID, assetToken string, key, digest []byte) ([]byte, error) {
	envelope, err := b.backend.DownloadAsset(assetID, assetToken)
	if err != nil {
		return nil, err
	}

	if len(key) != 32 || len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid asset key material")
	}
	var k [32]byte
	copy(k[:], key)
	var d [sha256.Size]byte
	copy(d[:], digest)

	return asset.Decrypt(envelope, &k, d)
}
