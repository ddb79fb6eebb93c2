// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keystore provides per bot durable storage for identity keys,
// sessions, prekeys and the bot metadata record.  Each bot owns one
// directory under the store root and all entries are XDR encoded files.
package keystore

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/davecgh/go-xdr/xdr2"
)

const (
	identityFilename = "identity.xdr"
	recordFilename   = "bot.xdr"
	prekeySuffix     = ".pkid"
	sessionPrefix    = "session_"
)

// Record is the persisted bot metadata.  It must be sufficient to bring a
// bot back to life after a process restart.
type Record struct {
	ID           string
	ClientID     string
	Token        string
	Locale       string
	Conversation Conversation
}

// Conversation is the on disk snapshot of a bot's owning conversation.
type Conversation struct {
	ID      string
	Name    string
	Members []Member
}

type Member struct {
	ID     string
	Status int32
}

// Store is the root of all bot storage.
type Store struct {
	root string
}

// New initializes a store context rooted at root.  The containing directory
// is created if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("must provide root directory")
	}

	err := os.MkdirAll(root, 0700)
	if err != nil {
		return nil, err
	}

	return &Store{root: root}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// validID rejects bot ids that would not stay a single path element under
// the store root.
func validID(id string) error {
	if id == "" {
		return fmt.Errorf("must provide bot id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid bot id %q", id)
	}
	return nil
}

// Bot returns a handle scoped to a single bot id.  The bot directory is
// created on first use.
func (s *Store) Bot(id string) (*Bot, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	dir := path.Join(s.root, id)
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, err
	}
	return &Bot{dir: dir}, nil
}

// Exists reports whether a metadata record for bot id has been persisted.
func (s *Store) Exists(id string) bool {
	if validID(id) != nil {
		return false
	}
	_, err := os.Stat(path.Join(s.root, id, recordFilename))
	return err == nil
}

// Remove drops all persisted state for bot id.
func (s *Store) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	return os.RemoveAll(path.Join(s.root, id))
}

// Bot is a storage handle scoped to one bot directory.
type Bot struct {
	dir string
}

// Dir returns the bot storage directory.
func (b *Bot) Dir() string {
	return b.dir
}

func (b *Bot) write(filename string, blob []byte) error {
	return os.WriteFile(path.Join(b.dir, filename), blob, 0600)
}

func (b *Bot) read(filename string) ([]byte, error) {
	return os.ReadFile(path.Join(b.dir, filename))
}

// SaveRecord persists the bot metadata record.
func (b *Bot) SaveRecord(r *Record) error {
	bb := &bytes.Buffer{}
	_, err := xdr.Marshal(bb, r)
	if err != nil {
		return fmt.Errorf("could not marshal record: %v", err)
	}
	return b.write(recordFilename, bb.Bytes())
}

// LoadRecord retrieves the bot metadata record.  A missing or unreadable
// record is an error; the caller treats it as an unknown bot.
func (b *Bot) LoadRecord() (*Record, error) {
	blob, err := b.read(recordFilename)
	if err != nil {
		return nil, err
	}
	r := Record{}
	_, err = xdr.Unmarshal(bytes.NewReader(blob), &r)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal record: %v", err)
	}
	return &r, nil
}

// SaveIdentity persists the marshaled identity blob.
func (b *Bot) SaveIdentity(blob []byte) error {
	return b.write(identityFilename, blob)
}

// LoadIdentity retrieves the marshaled identity blob.  Returns nil when no
// identity has been persisted yet.
func (b *Bot) LoadIdentity() ([]byte, error) {
	blob, err := b.read(identityFilename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

func sessionFilename(user, client string) string {
	return sessionPrefix + user + "_" + client
}

// SaveSession persists opaque session state for device (user, client).
func (b *Bot) SaveSession(user, client string, blob []byte) error {
	return b.write(sessionFilename(user, client), blob)
}

// LoadSession retrieves session state for device (user, client).  Returns
// nil when no session exists; sessions are discovered lazily.
func (b *Bot) LoadSession(user, client string) ([]byte, error) {
	blob, err := b.read(sessionFilename(user, client))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

// DeleteSession drops session state for device (user, client).
func (b *Bot) DeleteSession(user, client string) error {
	return os.Remove(path.Join(b.dir, sessionFilename(user, client)))
}

func prekeyFilename(id uint32) string {
	return fmt.Sprintf("%d%s", id, prekeySuffix)
}

// AddPreKey persists a prekey record under its id.
func (b *Bot) AddPreKey(id uint32, blob []byte) error {
	return b.write(prekeyFilename(id), blob)
}

// LoadPreKey retrieves the prekey record for id.  Returns nil when the
// prekey does not exist or was already consumed.
func (b *Bot) LoadPreKey(id uint32) ([]byte, error) {
	blob, err := b.read(prekeyFilename(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

// DeletePreKey removes a consumed prekey.
func (b *Bot) DeletePreKey(id uint32) error {
	return os.Remove(path.Join(b.dir, prekeyFilename(id)))
}
