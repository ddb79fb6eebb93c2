// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"encoding/json"
	"net/http"

	"github.com/companyzero/zkbot/wiremsg"
)

// messageAdd handles an inbound encrypted message.  The event is acked
// before any crypto work begins so the caller connection is not held open
// across session and backend round trips; decrypt failures after the ack
// are logged, never surfaced.
func (s *Service) messageAdd(w http.ResponseWriter, b *Bot, ev *messageEvent) {
	if err := validateEventData(ev.Data, messageAddSchema); err != nil {
		s.Warn(idSvc, "invalid message add for bot %v: %v", b.id, err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}
	var data messageAddData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	sendResponse(w, http.StatusOK, nil)

	b.Lock()
	plain, err := b.decrypt(ev.From, data.Sender, data.Text)
	if err != nil {
		s.Warn(idBot, "could not decrypt message for bot %v from "+
			"%v/%v: %v", b.id, ev.From, data.Sender, err)
		b.Unlock()
		return
	}

	msg, err := wiremsg.Unmarshal(plain)
	if err != nil {
		s.Warn(idBot, "malformed decrypted payload for bot %v: %v",
			b.id, err)
		b.Unlock()
		return
	}

	// delivery confirmation goes out before the application callback
	result, err := b.sendMessage(wiremsg.NewConfirmation(msg.MessageID))
	if err != nil {
		s.Warn(idSend, "could not confirm %v for bot %v: %v",
			msg.MessageID, b.id, err)
	} else {
		s.Dbg(idSend, "confirmation for %v sent with status %v",
			msg.MessageID, result.StatusCode)
	}

	handler := b.handler
	b.Unlock()

	if handler == nil {
		return
	}
	switch {
	case msg.Command == wiremsg.CmdText:
		handler.OnMessage(ev.From, msg)
	case msg.Command == wiremsg.CmdAsset && msg.Asset.Original.HasImage:
		handler.OnImage(ev.From, msg)
	}
}

// memberJoin appends joining members to the conversation.  When the bot
// itself is among the joiners and no device directory is cached yet, the
// directory is fetched before the callback runs.
func (s *Service) memberJoin(w http.ResponseWriter, b *Bot, ev *messageEvent) {
	if err := validateEventData(ev.Data, memberChangeSchema); err != nil {
		s.Warn(idSvc, "invalid member join for bot %v: %v", b.id, err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}
	var data memberChangeData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	b.Lock()
	selfAdded := false
	for _, id := range data.UserIDs {
		b.conv.Members = append(b.conv.Members, Member{ID: id})
		if id == b.id {
			selfAdded = true
		}
	}
	s.Info(idBot, "members %v joined conversation %v", data.UserIDs,
		b.conv.ID)

	sendResponse(w, http.StatusOK, nil)

	if selfAdded && b.devices == nil {
		devices, err := b.backend.FetchOwnDevices(b.client)
		if err != nil {
			s.Warn(idBot, "could not fetch devices for %v: %v",
				b.id, err)
		} else {
			b.devices = devices
		}
	}

	if err := b.saveRecord(); err != nil {
		s.Error(idBot, "could not persist bot %v: %v", b.id, err)
	}

	conv := b.conversationLocked()
	handler := b.handler
	b.Unlock()

	if handler != nil {
		handler.OnJoin(data.UserIDs, conv)
	}
}

// memberLeave prunes leaving members.  A leave event naming the bot itself
// tears the bot down entirely: registry entry, sessions, prekeys, identity
// and metadata record are all dropped.
func (s *Service) memberLeave(w http.ResponseWriter, b *Bot, ev *messageEvent) {
	if err := validateEventData(ev.Data, memberChangeSchema); err != nil {
		s.Warn(idSvc, "invalid member leave for bot %v: %v", b.id, err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}
	var data memberChangeData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	selfLeft := false
	for _, id := range data.UserIDs {
		if id == b.id {
			selfLeft = true
			break
		}
	}

	if selfLeft {
		b.Lock()
		conv := b.conversationLocked()
		handler := b.handler
		b.loaded = false
		b.Unlock()

		sendResponse(w, http.StatusOK, nil)
		s.remove(b)

		if handler != nil {
			handler.OnLeave(data.UserIDs, conv)
		}
		return
	}

	b.Lock()
	for _, id := range data.UserIDs {
		members := b.conv.Members[:0]
		for _, m := range b.conv.Members {
			if m.ID != id {
				members = append(members, m)
			}
		}
		b.conv.Members = members
	}
	s.Info(idBot, "members %v left conversation %v", data.UserIDs,
		b.conv.ID)

	sendResponse(w, http.StatusOK, nil)

	if err := b.saveRecord(); err != nil {
		s.Error(idBot, "could not persist bot %v: %v", b.id, err)
	}

	conv := b.conversationLocked()
	handler := b.handler
	b.Unlock()

	if handler != nil {
		handler.OnLeave(data.UserIDs, conv)
	}
}

// rename replaces the conversation display name.
func (s *Service) rename(w http.ResponseWriter, b *Bot, ev *messageEvent) {
	if err := validateEventData(ev.Data, renameSchema); err != nil {
		s.Warn(idSvc, "invalid rename for bot %v: %v", b.id, err)
		sendResponse(w, http.StatusNotFound, nil)
		return
	}
	var data renameData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		sendResponse(w, http.StatusNotFound, nil)
		return
	}

	b.Lock()
	b.conv.Name = data.Name
	s.Info(idBot, "conversation %v renamed to %v", b.conv.ID, data.Name)

	sendResponse(w, http.StatusOK, nil)

	if err := b.saveRecord(); err != nil {
		s.Error(idBot, "could not persist bot %v: %v", b.id, err)
	}

	conv := b.conversationLocked()
	handler := b.handler
	b.Unlock()

	if handler != nil {
		handler.OnRename(data.Name, conv)
	}
}
