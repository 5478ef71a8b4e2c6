// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client implements the device side of the firmware update protocol.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/manifest"
	"k8s.io/klog/v2"
)

// Transport exchanges a JSON request for a response.
type Transport interface {
	// Post sends body to url. The returned body is nil unless status is 200.
	Post(ctx context.Context, url string, body []byte) (status int, respBody []byte, err error)
}

// Client talks to one update server on behalf of one device.
type Client struct {
	base     string
	deviceID string
	t        Transport
}

// New returns a client for the server at baseURL.
func New(baseURL, deviceID string, t Transport) *Client {
	return &Client{
		base:     strings.TrimSuffix(baseURL, "/"),
		deviceID: deviceID,
		t:        t,
	}
}

// DeviceID returns the identity this client presents to the server.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Chunk is one authenticated slice of ciphertext.
type Chunk struct {
	Data []byte
	// Tag is the hex HMAC the server sent with Data.
	Tag string
}

func (c *Client) post(ctx context.Context, path string, req any) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := c.base + path
	status, resp, err := c.t.Post(ctx, url, body)
	if err != nil {
		return nil, failure.Wrap(failure.Network, err, "POST %s", url)
	}
	if status != http.StatusOK || resp == nil {
		return nil, failure.New(failure.Network, "POST %s: status %d", url, status)
	}
	return resp, nil
}

// Check asks the server whether firmware newer than current is available.
// It returns nil, nil if there is no update.
func (c *Client) Check(ctx context.Context, current string) (*manifest.Manifest, error) {
	resp, err := c.post(ctx, api.CheckPath, api.CheckRequest{DeviceID: c.deviceID, CurrentVersion: current})
	if err != nil {
		return nil, err
	}
	var cr api.CheckResponse
	if err := json.Unmarshal(resp, &cr); err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "malformed check response")
	}
	if !cr.UpdateAvailable {
		klog.V(1).Infof("No update available for %s@%s", c.deviceID, current)
		return nil, nil
	}
	return manifest.FromCheckResponse(&cr)
}

// Chunk fetches chunk n of the given firmware version.
func (c *Client) Chunk(ctx context.Context, version string, n int) (*Chunk, error) {
	resp, err := c.post(ctx, api.ChunkPath, api.ChunkRequest{DeviceID: c.deviceID, Version: version, ChunkNumber: n})
	if err != nil {
		return nil, err
	}
	var cr api.ChunkResponse
	if err := json.Unmarshal(resp, &cr); err != nil {
		return nil, failure.Wrap(failure.Network, err, "chunk %d: malformed response", n)
	}
	if cr.Chunk == nil {
		return nil, failure.New(failure.Network, "chunk %d: response has no chunk", n)
	}
	data, err := base64.StdEncoding.DecodeString(cr.Chunk.Data)
	if err != nil {
		return nil, failure.Wrap(failure.Network, err, "chunk %d: malformed data", n)
	}
	if len(data) != cr.Chunk.Size {
		return nil, failure.New(failure.SizeMismatch, "chunk %d: got %d bytes, server claimed %d", n, len(data), cr.Chunk.Size)
	}
	return &Chunk{Data: data, Tag: cr.Chunk.HMAC}, nil
}
