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

// Package transport provides the HTTP exchange used to talk to the update
// server.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/machinebox/progress"
	"k8s.io/klog/v2"
)

// DefaultTimeout bounds a single request when HTTP.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// HTTP posts JSON requests over HTTP.
type HTTP struct {
	// Client is used to make requests, http.DefaultClient if nil.
	Client *http.Client
	// Timeout bounds each call to Post, including reading the response body.
	Timeout time.Duration
	// LogProgress periodically logs progress while reading large responses.
	LogProgress bool
}

// Post sends body to url and returns the response status along with the
// response body. The body is nil for any status other than 200 OK.
func (h *HTTP) Post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	// Clone the client and set a timeout.
	var hc http.Client
	if h.Client != nil {
		hc = *h.Client
	} else {
		hc = *http.DefaultClient
	}
	hc.Timeout = timeout
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http.Client.Do(): %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("resp.Body.Close(): %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		klog.V(1).Infof("POST %q: %s", url, resp.Status)
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil, nil
	}

	pr := progress.NewReader(resp.Body)
	if h.LogProgress && resp.ContentLength > 0 {
		go func() {
			progressChan := progress.NewTicker(ctx, pr, resp.ContentLength, 1*time.Second)
			for p := range progressChan {
				klog.Infof("Downloading %q: %d%%, %v remaining...", url, int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}
	b, err := io.ReadAll(pr)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %v", err)
	}
	klog.V(2).Infof("POST %q: %d bytes", url, len(b))
	return resp.StatusCode, b, nil
}
