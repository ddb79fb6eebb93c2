// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// zkbot runs an example echo bot: text messages are echoed back to the
// conversation and received images are downloaded, decrypted and sent
// back re-encrypted under a fresh asset key.
package main

import (
	"fmt"
	"os"

	"github.com/companyzero/zkbot/service"
	"github.com/companyzero/zkbot/wiremsg"
)

type echoBot struct {
	bot *service.Bot
}

func (e *echoBot) OnMessage(from string, msg *wiremsg.GenericMessage) {
	_, err := e.bot.SendText(msg.Text.Content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo to %v failed: %v\n", from, err)
	}
}

func (e *echoBot) OnImage(from string, msg *wiremsg.GenericMessage) {
	up := msg.Asset.Uploaded
	data, err := e.bot.DownloadAsset(up.AssetID, up.AssetToken, up.OTRKey,
		up.SHA256)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asset download failed: %v\n", err)
		return
	}

	img := msg.Asset.Original.Image
	_, err = e.bot.SendImage(data, msg.Asset.Original.MimeType,
		img.Width, img.Height)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asset echo failed: %v\n", err)
	}
}

func (e *echoBot) OnJoin(users []string, conv *service.Conversation) {
	e.bot.SendText(fmt.Sprintf("welcome %v", users))
}

func (e *echoBot) OnLeave(users []string, conv *service.Conversation) {}

func (e *echoBot) OnRename(name string, conv *service.Conversation) {
	e.bot.SendText(fmt.Sprintf("conversation is now called %v", name))
}

func _main() error {
	settings, err := ObtainSettings()
	if err != nil {
		return err
	}

	svc, err := service.New(settings, func(b *service.Bot) service.Handler {
		return &echoBot{bot: b}
	})
	if err != nil {
		return err
	}

	return svc.Run()
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
