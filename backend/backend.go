// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backend is the outbound facade to the messaging platform
// backend.  Every call carries the bot's bearer token and is bounded by a
// single fixed timeout; transport errors and timeouts are surfaced
// identically as an unavailable result, delivered exactly once.
package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnavailable wraps transport errors and timeouts.
	ErrUnavailable = errors.New("backend unavailable")
)

const (
	// DefaultHost is the production backend.
	DefaultHost = "https://prod-nginz-https.wire.com"

	// Timeout bounds every outbound call.
	Timeout = 15 * time.Second

	// StatusMissingDevices is the distinguished send-message status
	// reporting recipient devices the sender had no ciphertext for.
	StatusMissingDevices = 412
)

// OTRMessage is the per device ciphertext map submitted to the backend.
// Recipients maps user id to client id to base64 ciphertext.
type OTRMessage struct {
	Sender     string                       `json:"sender"`
	Recipients map[string]map[string]string `json:"recipients"`
}

// SendResult is the outcome of a send-message call.  Missing is populated
// on a missing-devices status and maps user id to the client ids the
// backend expected ciphertext for.
type SendResult struct {
	StatusCode int
	Missing    map[string][]string
}

// OK reports whether the send was accepted.
func (r *SendResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// MissingDevices reports whether the backend asked for more devices.
func (r *SendResult) MissingDevices() bool {
	return r.StatusCode == StatusMissingDevices
}

// PreKeyEntry is one fetched prekey, base64 encoded.
type PreKeyEntry struct {
	Key string `json:"key"`
}

// PreKeyMap maps user id to client id to fetched prekey.
type PreKeyMap map[string]map[string]PreKeyEntry

// AssetUploadReply is the backend's answer to an asset upload.
type AssetUploadReply struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

// Client performs authenticated calls against one backend on behalf of one
// bot.
type Client struct {
	host   string
	token  string
	client *http.Client
}

// New returns a client for the given backend host using token for bearer
// authentication.  An empty host selects the production backend.
func New(host, token string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		host:   host,
		token:  token,
		client: &http.Client{Timeout: Timeout},
	}
}

// do performs one bounded request.  http.Client.Do returns exactly once
// for both transport errors and timeouts, which provides the single
// delivery guarantee for unavailable results.
func (c *Client) do(method, path string, contentType string, body []byte, headers map[string]string) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.host+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return payload, res.StatusCode, nil
}

// SendMessage submits a per device ciphertext map.  A missing-devices
// status is not an error; the parsed missing set is returned for the
// caller's retry round.
func (c *Client) SendMessage(msg *OTRMessage, ignoreMissing bool) (*SendResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/bot/messages?ignore_missing=%v", ignoreMissing)
	payload, status, err := c.do(http.MethodPost, path,
		"application/json", body, nil)
	if err != nil {
		return nil, err
	}

	result := SendResult{StatusCode: status}
	if status == StatusMissingDevices {
		var missing struct {
			Missing map[string][]string `json:"missing"`
		}
		err = json.Unmarshal(payload, &missing)
		if err != nil {
			return nil, fmt.Errorf("could not parse missing "+
				"devices: %v", err)
		}
		result.Missing = missing.Missing
	}

	return &result, nil
}

// FetchOwnDevices retrieves the device directory for the bot's own
// conversation by probing the send endpoint with an empty recipient map.
// The backend answers with the full missing set, which is the directory.
func (c *Client) FetchOwnDevices(sender string) (map[string][]string, error) {
	result, err := c.SendMessage(&OTRMessage{
		Sender:     sender,
		Recipients: make(map[string]map[string]string),
	}, false)
	if err != nil {
		return nil, err
	}
	if !result.MissingDevices() {
		return nil, fmt.Errorf("unexpected device probe status %v",
			result.StatusCode)
	}
	return result.Missing, nil
}

// FetchClients retrieves the bot's own client list.
func (c *Client) FetchClients() ([]byte, error) {
	payload, status, err := c.do(http.MethodGet, "/bot/client",
		"application/json", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch clients status %v", status)
	}
	return payload, nil
}

// FetchPreKeys requests prekey bundles for exactly the given (user,
// client) pairs.
func (c *Client) FetchPreKeys(devices map[string][]string) (PreKeyMap, error) {
	body, err := json.Marshal(devices)
	if err != nil {
		return nil, err
	}

	payload, status, err := c.do(http.MethodPost, "/bot/users/prekeys",
		"application/json", body, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch prekeys status %v", status)
	}

	pk := PreKeyMap{}
	err = json.Unmarshal(payload, &pk)
	if err != nil {
		return nil, fmt.Errorf("could not parse prekeys: %v", err)
	}

	return pk, nil
}

// UploadAsset posts a multipart asset body and returns the stored asset's
// id and access token.
func (c *Client) UploadAsset(body []byte) (*AssetUploadReply, error) {
	payload, status, err := c.do(http.MethodPost, "/bot/assets",
		"multipart/mixed; boundary=frontier", body, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("asset upload status %v", status)
	}

	reply := AssetUploadReply{}
	err = json.Unmarshal(payload, &reply)
	if err != nil {
		return nil, fmt.Errorf("could not parse upload reply: %v", err)
	}

	return &reply, nil
}

// DownloadAsset fetches a stored asset envelope.
func (c *Client) DownloadAsset(assetID, assetToken string) ([]byte, error) {
	headers := map[string]string{"Asset-Token": assetToken}
	payload, status, err := c.do(http.MethodGet, "/bot/assets/"+assetID,
		"application/json", nil, headers)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("asset download status %v", status)
	}
	return payload, nil
}
