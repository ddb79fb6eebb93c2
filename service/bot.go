// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/companyzero/zkbot/backend"
	"github.com/companyzero/zkbot/cryptobox"
	"github.com/companyzero/zkbot/keystore"
)

// Conversation is a bot's view of its owning conversation.
type Conversation struct {
	ID      string
	Name    string
	Members []Member
}

type Member struct {
	ID     string
	Status int32
}

// Typed inbound payloads.  Bodies are structurally validated against the
// declared schemas before being decoded into these.
type createBotRequest struct {
	ID     string `json:"id"`
	Client string `json:"client"`
	Origin struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		AccentID int32  `json:"accent_id"`
	} `json:"origin"`
	Conversation conversationPayload `json:"conversation"`
	Token        string              `json:"token"`
	Locale       string              `json:"locale"`
}

type conversationPayload struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Members []memberPayload `json:"members"`
}

type memberPayload struct {
	ID     string `json:"id"`
	Status int32  `json:"status"`
}

type messageEvent struct {
	Type         string          `json:"type"`
	Conversation string          `json:"conversation"`
	From         string          `json:"from"`
	Data         json.RawMessage `json:"data"`
}

type messageAddData struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type memberChangeData struct {
	UserIDs []string `json:"user_ids"`
}

type renameData struct {
	Name string `json:"name"`
}

// Bot is one live bot instance.  All mutations of a bot's conversation
// state and session set are serialized by its mutex; distinct bots proceed
// fully in parallel.
type Bot struct {
	sync.Mutex
	svc     *Service
	id      string
	client  string
	token   string
	locale  string
	conv    Conversation
	devices map[string][]string // user id -> client ids, lazily discovered
	store   *keystore.Bot
	box     *cryptobox.Box
	backend *backend.Client
	handler Handler
	loaded  bool
}

// ID returns the bot id.
func (b *Bot) ID() string {
	return b.id
}

// Client returns the bot's own device id.
func (b *Bot) Client() string {
	return b.client
}

// Conversation returns a snapshot of the bot's conversation.
func (b *Bot) Conversation() *Conversation {
	b.Lock()
	defer b.Unlock()
	return b.conversationLocked()
}

func (b *Bot) conversationLocked() *Conversation {
	c := Conversation{
		ID:      b.conv.ID,
		Name:    b.conv.Name,
		Members: make([]Member, len(b.conv.Members)),
	}
	copy(c.Members, b.conv.Members)
	return &c
}

func (b *Bot) conversationID() string {
	b.Lock()
	defer b.Unlock()
	return b.conv.ID
}

// register installs a freshly created bot in the registry and hands it to
// the application's handler factory.
func (s *Service) register(req *createBotRequest, bh *keystore.Bot, box *cryptobox.Box) *Bot {
	b := &Bot{
		svc:    s,
		id:     req.ID,
		client: req.Client,
		token:  req.Token,
		locale: req.Locale,
		conv: Conversation{
			ID:   req.Conversation.ID,
			Name: req.Conversation.Name,
		},
		store:   bh,
		box:     box,
		backend: backend.New(s.settings.Backend, req.Token),
		loaded:  true,
	}
	for _, m := range req.Conversation.Members {
		b.conv.Members = append(b.conv.Members, Member{
			ID:     m.ID,
			Status: m.Status,
		})
	}
	if s.factory != nil {
		b.handler = s.factory(b)
	}

	s.Lock()
	s.bots[req.ID] = b
	s.Unlock()

	return b
}

// bot resolves a bot id against the registry, reloading persisted state on
// demand.  A bot whose record cannot be read is treated as unknown.
func (s *Service) bot(id string) (*Bot, error) {
	s.Lock()
	b, found := s.bots[id]
	if !found {
		b = &Bot{svc: s, id: id}
		s.bots[id] = b
	}
	s.Unlock()

	b.Lock()
	defer b.Unlock()
	if b.loaded {
		return b, nil
	}

	err := b.load()
	if err != nil {
		s.Lock()
		delete(s.bots, id)
		s.Unlock()
		return nil, err
	}

	return b, nil
}

// load reconstructs a persisted bot: metadata record, cryptobox bound to
// the same keystore path, backend client and the conversation's device
// directory.  Called with the bot lock held.
func (b *Bot) load() error {
	if !b.svc.store.Exists(b.id) {
		return fmt.Errorf("no persisted state")
	}

	bh, err := b.svc.store.Bot(b.id)
	if err != nil {
		return err
	}
	rec, err := bh.LoadRecord()
	if err != nil {
		return err
	}

	box, err := cryptobox.Open(bh)
	if err != nil {
		return err
	}

	b.client = rec.ClientID
	b.token = rec.Token
	b.locale = rec.Locale
	b.conv = Conversation{
		ID:   rec.Conversation.ID,
		Name: rec.Conversation.Name,
	}
	for _, m := range rec.Conversation.Members {
		b.conv.Members = append(b.conv.Members, Member{
			ID:     m.ID,
			Status: m.Status,
		})
	}
	b.store = bh
	b.box = box
	b.backend = backend.New(b.svc.settings.Backend, rec.Token)

	devices, err := b.backend.FetchOwnDevices(b.client)
	if err != nil {
		b.svc.Warn(idBot, "could not fetch devices for %v: %v",
			b.id, err)
	} else {
		b.devices = devices
	}

	if b.svc.factory != nil {
		b.handler = b.svc.factory(b)
	}
	b.loaded = true

	b.svc.Info(idBot, "reloaded bot %v for conversation %v", b.id,
		b.conv.ID)
	return nil
}

// saveRecord persists the bot metadata and current conversation snapshot.
func (b *Bot) saveRecord() error {
	rec := keystore.Record{
		ID:       b.id,
		ClientID: b.client,
		Token:    b.token,
		Locale:   b.locale,
		Conversation: keystore.Conversation{
			ID:   b.conv.ID,
			Name: b.conv.Name,
		},
	}
	for _, m := range b.conv.Members {
		rec.Conversation.Members = append(rec.Conversation.Members,
			keystore.Member{ID: m.ID, Status: m.Status})
	}
	return b.store.SaveRecord(&rec)
}

// remove drops a bot from the registry and deletes all its persisted
// state.  Subsequent events for the bot id resolve to not found.
func (s *Service) remove(b *Bot) {
	s.Lock()
	delete(s.bots, b.id)
	s.Unlock()

	err := s.store.Remove(b.id)
	if err != nil {
		s.Error(idBot, "could not remove state for %v: %v", b.id, err)
	}
	s.Info(idBot, "removed bot %v", b.id)
}
