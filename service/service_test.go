// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/companyzero/zkbot/backend"
	"github.com/companyzero/zkbot/cryptobox"
	"github.com/companyzero/zkbot/keystore"
	"github.com/companyzero/zkbot/wiremsg"
)

// recordingHandler captures every application callback so tests can assert
// on dispatch order and payloads.
type recordingHandler struct {
	sync.Mutex
	bot     *Bot
	froms   []string
	texts   []string
	images  []string
	joins   [][]string
	leaves  [][]string
	renames []string
}

func (h *recordingHandler) OnMessage(from string, msg *wiremsg.GenericMessage) {
	h.Lock()
	defer h.Unlock()
	h.froms = append(h.froms, from)
	h.texts = append(h.texts, msg.Text.Content)
}

func (h *recordingHandler) OnImage(from string, msg *wiremsg.GenericMessage) {
	h.Lock()
	defer h.Unlock()
	h.images = append(h.images, msg.Asset.Uploaded.AssetID)
}

func (h *recordingHandler) OnJoin(users []string, conv *Conversation) {
	h.Lock()
	defer h.Unlock()
	h.joins = append(h.joins, users)
}

func (h *recordingHandler) OnLeave(users []string, conv *Conversation) {
	h.Lock()
	defer h.Unlock()
	h.leaves = append(h.leaves, users)
}

func (h *recordingHandler) OnRename(name string, conv *Conversation) {
	h.Lock()
	defer h.Unlock()
	h.renames = append(h.renames, name)
}

// fakeBackend impersonates the platform backend.  Send statuses are
// consumed one per call, defaulting to 200 once exhausted.
type fakeBackend struct {
	sync.Mutex
	statuses       []int
	missing        string
	prekeys        string
	sends          []backend.OTRMessage
	prekeyRequests []map[string][]string
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/bot/messages":
		var msg backend.OTRMessage
		json.NewDecoder(r.Body).Decode(&msg)
		f.Lock()
		f.sends = append(f.sends, msg)
		status := http.StatusOK
		if len(f.statuses) > 0 {
			status = f.statuses[0]
			f.statuses = f.statuses[1:]
		}
		missing := f.missing
		f.Unlock()

		w.WriteHeader(status)
		if status == backend.StatusMissingDevices {
			fmt.Fprint(w, missing)
			return
		}
		fmt.Fprint(w, "{}")

	case r.Method == http.MethodPost && r.URL.Path == "/bot/users/prekeys":
		var req map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		f.Lock()
		f.prekeyRequests = append(f.prekeyRequests, req)
		prekeys := f.prekeys
		f.Unlock()
		fmt.Fprint(w, prekeys)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeBackend) sendCount() int {
	f.Lock()
	defer f.Unlock()
	return len(f.sends)
}

func newTestService(t *testing.T, backendHost string) (*Service, *recordingHandler) {
	t.Helper()

	dir, err := os.MkdirTemp("", "zkbotservice")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	return newTestServiceRoot(t, backendHost, dir)
}

func newTestServiceRoot(t *testing.T, backendHost, dir string) (*Service, *recordingHandler) {
	t.Helper()

	h := &recordingHandler{}
	s, err := New(&Settings{
		Listen:  "127.0.0.1:0",
		Auth:    "secret1",
		Root:    dir,
		Backend: backendHost,
	}, func(b *Bot) Handler {
		h.Lock()
		h.bot = b
		h.Unlock()
		return h
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, h
}

func post(s *Service, path, auth, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

const goodAuth = "Bearer secret1"

func createBotJSON(id, client, conv string, members ...string) string {
	ms := make([]map[string]interface{}, 0, len(members))
	for _, m := range members {
		ms = append(ms, map[string]interface{}{"id": m, "status": 0})
	}
	body := map[string]interface{}{
		"id":     id,
		"client": client,
		"origin": map[string]interface{}{
			"id":        "owner1",
			"name":      "Owner",
			"accent_id": 1,
		},
		"conversation": map[string]interface{}{
			"id":      conv,
			"name":    "general",
			"members": ms,
		},
		"token":  "backend-token",
		"locale": "en_US",
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func eventJSON(typ, conv, from string, data map[string]interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"type":         typ,
		"conversation": conv,
		"from":         from,
		"data":         data,
	})
	return string(raw)
}

func mustCreateBot(t *testing.T, s *Service, id, client, conv string, members ...string) createBotReply {
	t.Helper()
	w := post(s, "/bots", goodAuth, createBotJSON(id, client, conv, members...))
	if w.Code != http.StatusCreated {
		t.Fatalf("create bot status %v", w.Code)
	}
	var reply createBotReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

// newPeerDevice stands in for one remote user device with its own key
// material.
func newPeerDevice(t *testing.T) *cryptobox.Box {
	t.Helper()
	dir, err := os.MkdirTemp("", "zkbotpeer")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := keystore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	bh, err := store.Bot("peer")
	if err != nil {
		t.Fatal(err)
	}
	box, err := cryptobox.Open(bh)
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestCreateBot(t *testing.T) {
	s, _ := newTestService(t, "")

	reply := mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1", "u2")

	if len(reply.PreKeys) != 16 {
		t.Fatalf("expected 16 prekeys for 2 members, got %v",
			len(reply.PreKeys))
	}
	for i, pk := range reply.PreKeys {
		if pk.ID != uint32(i) {
			t.Fatalf("prekey %v has id %v", i, pk.ID)
		}
		blob, err := base64.StdEncoding.DecodeString(pk.Key)
		if err != nil {
			t.Fatal(err)
		}
		bundle, err := cryptobox.UnmarshalPreKeyBundle(blob)
		if err != nil {
			t.Fatalf("prekey %v bundle invalid: %v", i, err)
		}
		if bundle.ID != uint32(i) {
			t.Fatalf("bundle %v carries id %v", i, bundle.ID)
		}
	}
	if reply.LastPreKey.ID != cryptobox.LastResortID {
		t.Fatalf("last prekey id %v", reply.LastPreKey.ID)
	}

	if !s.store.Exists("bot1") {
		t.Fatalf("bot record not persisted")
	}
}

func TestCreateBotInvalid(t *testing.T) {
	s, _ := newTestService(t, "")

	// token removed from an otherwise valid body
	var body map[string]interface{}
	json.Unmarshal([]byte(createBotJSON("bot1", "botdev1", "conv1",
		"u1")), &body)
	delete(body, "token")
	raw, _ := json.Marshal(body)

	w := post(s, "/bots", goodAuth, string(raw))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", w.Code)
	}

	entries, err := os.ReadDir(s.store.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("state created for rejected bot: %v", entries)
	}
}

func TestCreateBotTraversalID(t *testing.T) {
	s, _ := newTestService(t, "")

	w := post(s, "/bots", goodAuth,
		createBotJSON("../escape", "botdev1", "conv1", "u1"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", w.Code)
	}

	entries, err := os.ReadDir(s.store.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("state created for traversal id: %v", entries)
	}
}

func TestAuth(t *testing.T) {
	s, _ := newTestService(t, "")
	body := createBotJSON("bot1", "botdev1", "conv1", "u1")

	w := post(s, "/bots", "Bearer wrong", body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %v", w.Code)
	}
	w = post(s, "/bots", "", body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %v", w.Code)
	}

	entries, err := os.ReadDir(s.store.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("state created for unauthenticated request")
	}
}

func TestMalformedBody(t *testing.T) {
	s, _ := newTestService(t, "")
	w := post(s, "/bots", goodAuth, "{ not json")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", w.Code)
	}
}

func TestRouting(t *testing.T) {
	s, _ := newTestService(t, "")

	r := httptest.NewRequest(http.MethodGet, "/bots", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET: expected 404, got %v", w.Code)
	}

	if w := post(s, "/status", goodAuth, "{}"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown path: expected 404, got %v", w.Code)
	}
	if w := post(s, "/bots/x/other", goodAuth, "{}"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown subpath: expected 404, got %v", w.Code)
	}
}

func TestUnknownBot(t *testing.T) {
	s, _ := newTestService(t, "")
	body := eventJSON(EventRename, "conv1", "u1",
		map[string]interface{}{"name": "x"})
	w := post(s, "/bots/nope/messages", goodAuth, body)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", w.Code)
	}
}

func TestConversationMismatch(t *testing.T) {
	s, _ := newTestService(t, "")
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	body := eventJSON(EventRename, "other", "u1",
		map[string]interface{}{"name": "x"})
	w := post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", w.Code)
	}
}

func TestMemberJoin(t *testing.T) {
	s, h := newTestService(t, "")
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	body := eventJSON(EventMemberJoin, "conv1", "u1",
		map[string]interface{}{"user_ids": []string{"u2"}})
	w := post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}

	conv := h.bot.Conversation()
	want := []Member{{ID: "u1"}, {ID: "u2"}}
	if !reflect.DeepEqual(conv.Members, want) {
		t.Fatalf("members mismatch: %v", conv.Members)
	}
	if !reflect.DeepEqual(h.joins, [][]string{{"u2"}}) {
		t.Fatalf("join callback mismatch: %v", h.joins)
	}
}

func TestMemberLeave(t *testing.T) {
	s, h := newTestService(t, "")
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1", "u2")

	body := eventJSON(EventMemberLeave, "conv1", "u1",
		map[string]interface{}{"user_ids": []string{"u1"}})
	w := post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}

	conv := h.bot.Conversation()
	if !reflect.DeepEqual(conv.Members, []Member{{ID: "u2"}}) {
		t.Fatalf("members mismatch: %v", conv.Members)
	}
	if !reflect.DeepEqual(h.leaves, [][]string{{"u1"}}) {
		t.Fatalf("leave callback mismatch: %v", h.leaves)
	}
}

func TestSelfLeave(t *testing.T) {
	s, h := newTestService(t, "")
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	body := eventJSON(EventMemberLeave, "conv1", "u1",
		map[string]interface{}{"user_ids": []string{"bot1"}})
	w := post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}

	if len(h.leaves) != 1 {
		t.Fatalf("leave callback not invoked")
	}
	if s.store.Exists("bot1") {
		t.Fatalf("bot state not removed")
	}

	// the bot is gone, further events must resolve to not found
	body = eventJSON(EventRename, "conv1", "u1",
		map[string]interface{}{"name": "x"})
	w = post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after teardown, got %v", w.Code)
	}
}

func TestReloadBot(t *testing.T) {
	// the reload path probes the device directory on the way up
	f := &fakeBackend{
		statuses: []int{backend.StatusMissingDevices},
		missing:  `{"missing":{"u1":["c1"]}}`,
	}
	srv := httptest.NewServer(f)
	defer srv.Close()

	dir, err := os.MkdirTemp("", "zkbotservice")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s1, _ := newTestServiceRoot(t, srv.URL, dir)
	mustCreateBot(t, s1, "bot1", "botdev1", "conv1", "u1")

	// a fresh process over the same root resolves the bot from its
	// persisted record
	s2, h2 := newTestServiceRoot(t, srv.URL, dir)
	body := eventJSON(EventRename, "conv1", "u1",
		map[string]interface{}{"name": "revived"})
	w := post(s2, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}

	conv := h2.bot.Conversation()
	if conv.ID != "conv1" || conv.Name != "revived" {
		t.Fatalf("conversation not restored: %+v", conv)
	}
	if !reflect.DeepEqual(conv.Members, []Member{{ID: "u1"}}) {
		t.Fatalf("members not restored: %v", conv.Members)
	}
	if h2.bot.Client() != "botdev1" {
		t.Fatalf("client id not restored: %v", h2.bot.Client())
	}
	want := map[string][]string{"u1": {"c1"}}
	if !reflect.DeepEqual(h2.bot.devices, want) {
		t.Fatalf("device directory not fetched: %v", h2.bot.devices)
	}
}

func TestRename(t *testing.T) {
	s, h := newTestService(t, "")
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	body := eventJSON(EventRename, "conv1", "u1",
		map[string]interface{}{"name": "water cooler"})
	w := post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}

	if h.bot.Conversation().Name != "water cooler" {
		t.Fatalf("name not updated")
	}
	if !reflect.DeepEqual(h.renames, []string{"water cooler"}) {
		t.Fatalf("rename callback mismatch: %v", h.renames)
	}
}

func TestSendFanOut(t *testing.T) {
	peer := newPeerDevice(t)
	bundles, err := peer.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	prekeys, _ := json.Marshal(backend.PreKeyMap{
		"u1": {"c1": {Key: base64.StdEncoding.EncodeToString(bundles[0])}},
	})

	f := &fakeBackend{
		statuses: []int{backend.StatusMissingDevices},
		missing:  `{"missing":{"u1":["c1"]}}`,
		prekeys:  string(prekeys),
	}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s, h := newTestService(t, srv.URL)
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	result, err := h.bot.SendText("hello there")
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK() {
		t.Fatalf("send status %v", result.StatusCode)
	}
	if f.sendCount() != 2 {
		t.Fatalf("expected exactly 2 send calls, got %v", f.sendCount())
	}
	want := map[string][]string{"u1": {"c1"}}
	if !reflect.DeepEqual(f.prekeyRequests, []map[string][]string{want}) {
		t.Fatalf("prekey fetch mismatch: %v", f.prekeyRequests)
	}

	// the resend must carry ciphertext for the previously missing device
	// and the peer must be able to open it
	f.Lock()
	ct64 := f.sends[1].Recipients["u1"]["c1"]
	f.Unlock()
	if ct64 == "" {
		t.Fatalf("no ciphertext for missing device in resend")
	}
	ct, err := base64.StdEncoding.DecodeString(ct64)
	if err != nil {
		t.Fatal(err)
	}
	_, plain, err := peer.SessionFromMessage("bot1", "botdev1", ct)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := wiremsg.Unmarshal(plain)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Command != wiremsg.CmdText || msg.Text.Content != "hello there" {
		t.Fatalf("peer decrypted %q %q", msg.Command, msg.Text.Content)
	}
}

func TestSendBoundedRetry(t *testing.T) {
	peer := newPeerDevice(t)
	bundles, err := peer.NewPreKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	prekeys, _ := json.Marshal(backend.PreKeyMap{
		"u1": {"c1": {Key: base64.StdEncoding.EncodeToString(bundles[0])}},
	})

	// the backend never stops asking for more devices
	f := &fakeBackend{
		statuses: []int{backend.StatusMissingDevices,
			backend.StatusMissingDevices,
			backend.StatusMissingDevices},
		missing: `{"missing":{"u1":["c1"]}}`,
		prekeys: string(prekeys),
	}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s, h := newTestService(t, srv.URL)
	mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	result, err := h.bot.SendText("hello")
	if err != nil {
		t.Fatal(err)
	}
	if !result.MissingDevices() {
		t.Fatalf("expected partial delivery, got %v", result.StatusCode)
	}
	if f.sendCount() != 2 {
		t.Fatalf("expected exactly 2 send calls, got %v", f.sendCount())
	}
}

func TestInboundMessage(t *testing.T) {
	f := &fakeBackend{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s, h := newTestService(t, srv.URL)
	reply := mustCreateBot(t, s, "bot1", "botdev1", "conv1", "u1")

	// a remote device opens a session from one of the published prekeys
	peer := newPeerDevice(t)
	bundle, err := base64.StdEncoding.DecodeString(reply.PreKeys[0].Key)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := peer.SessionFromPreKey("bot1", "botdev1", bundle)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := wiremsg.NewText("hi bot").Marshal()
	if err != nil {
		t.Fatal(err)
	}
	ct, err := sess.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}

	body := eventJSON(EventMessageAdd, "conv1", "u1",
		map[string]interface{}{
			"sender":    "c1",
			"recipient": "botdev1",
			"text":      base64.StdEncoding.EncodeToString(ct),
		})
	w := post(s, "/bots/bot1/messages", goodAuth, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}

	if !reflect.DeepEqual(h.froms, []string{"u1"}) ||
		!reflect.DeepEqual(h.texts, []string{"hi bot"}) {
		t.Fatalf("message callback mismatch: %v %v", h.froms, h.texts)
	}

	// a delivery confirmation went out before the callback ran
	if f.sendCount() != 1 {
		t.Fatalf("expected 1 confirmation send, got %v", f.sendCount())
	}
}
