// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package service implements the webhook side of an end-to-end encrypted
// bot: it validates and routes inbound platform events, owns the registry
// of live bots, and fans outgoing messages out to every recipient device.
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/companyzero/zkbot/cryptobox"
	"github.com/companyzero/zkbot/debug"
	"github.com/companyzero/zkbot/keystore"
	"github.com/companyzero/zkbot/wiremsg"
	"golang.org/x/sync/errgroup"
)

// debug subsystems
const (
	idSvc  = 0
	idBot  = 1
	idSend = 2
)

// Event types accepted on the messages endpoint.
const (
	EventMessageAdd  = "conversation.otr-message-add"
	EventMemberJoin  = "conversation.member-join"
	EventMemberLeave = "conversation.member-leave"
	EventRename      = "conversation.rename"
)

// Settings collects the service configuration.
type Settings struct {
	Listen  string // webhook listen address
	Auth    string // inbound bearer token secret
	Root    string // keystore root directory
	Backend string // backend host, empty selects production
	Cert    string // TLS certificate file
	Key     string // TLS key file

	LogFile    string // log filename, empty selects stderr
	TimeFormat string // log time stamp format
	Debug      bool
	Trace      bool
}

// HandlerFactory is invoked once per live bot to obtain the application's
// event handler.
type HandlerFactory func(*Bot) Handler

// Handler receives a bot's application level events.  Callbacks run after
// the corresponding webhook acknowledgment has been written and without
// the bot lock held, so they may call back into the Bot send API.
type Handler interface {
	OnMessage(from string, msg *wiremsg.GenericMessage)
	OnImage(from string, msg *wiremsg.GenericMessage)
	OnJoin(users []string, conv *Conversation)
	OnLeave(users []string, conv *Conversation)
	OnRename(name string, conv *Conversation)
}

// Service is the single entry point for all inbound events.
type Service struct {
	*debug.Debug
	settings *Settings
	store    *keystore.Store
	factory  HandlerFactory

	sync.Mutex // guards bots
	bots       map[string]*Bot
}

// New initializes a Service rooted at settings.Root.  factory is called
// for every bot that is created or reloaded.
func New(settings *Settings, factory HandlerFactory) (*Service, error) {
	store, err := keystore.New(settings.Root)
	if err != nil {
		return nil, err
	}

	format := settings.TimeFormat
	if format == "" {
		format = "2006-01-02 15:04:05"
	}
	d, err := debug.New(settings.LogFile, format)
	if err != nil {
		return nil, err
	}
	d.Register(idSvc, "[SVC]")
	d.Register(idBot, "[BOT]")
	d.Register(idSend, "[SND]")
	if settings.Debug {
		d.EnableDebug()
	}
	if settings.Trace {
		d.EnableTrace()
	}

	return &Service{
		Debug:    d,
		settings: settings,
		store:    store,
		factory:  factory,
		bots:     make(map[string]*Bot),
	}, nil
}

// Run serves the webhook endpoint until the process is interrupted or the
// listener fails.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:    s.settings.Listen,
		Handler: s,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		s.Info(idSvc, "listening on %v", s.settings.Listen)
		err := srv.ListenAndServeTLS(s.settings.Cert, s.settings.Key)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-sigs:
			s.Info(idSvc, "interrupt, shutting down")
		case <-ctx.Done():
		}
		return srv.Close()
	})

	return g.Wait()
}

func sendResponse(w http.ResponseWriter, code int, data interface{}) {
	if data == nil {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func (s *Service) checkAuthHeader(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.settings.Auth
}

// ServeHTTP routes one inbound event.  No decrypted or persisted state is
// touched until the request is authenticated and structurally valid.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Dbg(idSvc, "req: %v url: %v", r.Method, r.URL.Path)

	if r.Method != http.MethodPost ||
		!strings.HasPrefix(r.URL.Path, "/bots") {
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	var body map[string]interface{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		s.Warn(idSvc, "malformed request body: %v", err)
		sendResponse(w, http.StatusInternalServerError, nil)
		return
	}

	if !s.checkAuthHeader(r) {
		s.Warn(idSvc, "invalid auth header")
		sendResponse(w, http.StatusUnauthorized, nil)
		return
	}

	if r.URL.Path == "/bots" {
		s.createBot(w, body)
		return
	}

	parts := strings.Split(r.URL.Path, "/")
	if len(parts) == 4 && parts[1] == "bots" && parts[3] == "messages" &&
		parts[2] != "" {
		s.handleMessages(w, body, parts[2])
		return
	}

	s.Dbg(idSvc, "unknown url %v", r.URL.Path)
	sendResponse(w, http.StatusNotFound, nil)
}

type preKeyReply struct {
	ID  uint32 `json:"id"`
	Key string `json:"key"`
}

type createBotReply struct {
	PreKeys    []preKeyReply `json:"prekeys"`
	LastPreKey preKeyReply   `json:"last_prekey"`
}

// createBot handles a bot creation event.  The creation response carrying
// the prekey bundles is written before the metadata record is persisted;
// durability is best effort so a slow or failing disk never blocks the
// protocol acknowledgment.
func (s *Service) createBot(w http.ResponseWriter, body map[string]interface{}) {
	if err := validateCreateBot(body); err != nil {
		s.Warn(idSvc, "invalid create bot data: %v", err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	var req createBotRequest
	if err := decodeBody(body, &req); err != nil {
		s.Warn(idSvc, "could not decode create bot data: %v", err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	s.Info(idSvc, "creating bot %v for conversation %v", req.ID,
		req.Conversation.ID)

	bh, err := s.store.Bot(req.ID)
	if err != nil {
		s.Error(idSvc, "could not create bot storage: %v", err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}
	box, err := cryptobox.Open(bh)
	if err != nil {
		s.Error(idSvc, "could not open cryptobox: %v", err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	bundles, err := box.NewPreKeys(8 * len(req.Conversation.Members))
	if err != nil {
		s.Error(idSvc, "could not generate prekeys: %v", err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	reply := createBotReply{PreKeys: make([]preKeyReply, 0, len(bundles)-1)}
	for i, bundle := range bundles {
		key := base64.StdEncoding.EncodeToString(bundle)
		if i != len(bundles)-1 {
			reply.PreKeys = append(reply.PreKeys, preKeyReply{
				ID:  uint32(i),
				Key: key,
			})
			continue
		}
		reply.LastPreKey = preKeyReply{
			ID:  cryptobox.LastResortID,
			Key: key,
		}
	}
	sendResponse(w, http.StatusCreated, reply)

	b := s.register(&req, bh, box)
	if err := b.saveRecord(); err != nil {
		// best effort durability, the ack is already out
		s.Error(idSvc, "could not persist bot %v: %v", req.ID, err)
	}
}

// handleMessages resolves the target bot, reloading persisted state on
// demand, and dispatches the event.
func (s *Service) handleMessages(w http.ResponseWriter, body map[string]interface{}, botID string) {
	if err := validateMessageEvent(body); err != nil {
		s.Warn(idSvc, "invalid message event for bot %v: %v", botID, err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	var ev messageEvent
	if err := decodeBody(body, &ev); err != nil {
		s.Warn(idSvc, "could not decode message event: %v", err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	b, err := s.bot(botID)
	if err != nil {
		// an unreadable bot is indistinguishable from a
		// nonexistent one
		s.Warn(idSvc, "unknown bot %v: %v", botID, err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	if b.conversationID() != ev.Conversation {
		s.Warn(idSvc, "conversation mismatch for bot %v: %v", botID,
			ev.Conversation)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	switch ev.Type {
	case EventMessageAdd:
		s.messageAdd(w, b, &ev)
	case EventMemberJoin:
		s.memberJoin(w, b, &ev)
	case EventMemberLeave:
		s.memberLeave(w, b, &ev)
	case EventRename:
		s.rename(w, b, &ev)
	default:
		s.Dbg(idSvc, "unknown event type %v", ev.Type)
		sendResponse(w, http.StatusNotFound, nil)
	}
}

// decodeBody round trips an already validated body into its typed form.
func decodeBody(body map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
