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

// Package fault provides deterministic failure injection for exercising the
// update engine's error paths without a misbehaving server.
package fault

import (
	"fmt"
	"strings"
	"sync"
)

// Kind selects which failure to inject.
type Kind int

const (
	None Kind = iota
	// CorruptChunk fails decryption of the first chunk.
	CorruptChunk
	// BadHMAC fails authentication of the first chunk.
	BadHMAC
	// BadHash fails whole-image verification.
	BadHash
	// NetworkTimeout fails the fetch of the first chunk.
	NetworkTimeout
	// IncompleteDownload stops the download short of the last chunk.
	IncompleteDownload
)

var names = map[Kind]string{
	None:               "None",
	CorruptChunk:       "CorruptChunk",
	BadHMAC:            "BadHmac",
	BadHash:            "BadHash",
	NetworkTimeout:     "NetworkTimeout",
	IncompleteDownload: "IncompleteDownload",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Parse returns the Kind with the given name, ignoring case.
func Parse(s string) (Kind, error) {
	for k, n := range names {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return None, fmt.Errorf("unknown fault kind %q", s)
}

// Injector is consulted by the update engine at each point where a fault of
// a given kind could occur.
type Injector interface {
	ShouldInject(k Kind) bool
}

// Harness is an Injector which can be switched at runtime, e.g. from an
// admin endpoint.
type Harness struct {
	mu      sync.Mutex
	enabled bool
	kind    Kind
}

// Enable arms the harness to inject k.
func (h *Harness) Enable(k Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled, h.kind = k != None, k
}

// Disable stops all injection.
func (h *Harness) Disable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled, h.kind = false, None
}

// Active returns the kind currently armed, or None.
func (h *Harness) Active() Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return None
	}
	return h.kind
}

func (h *Harness) ShouldInject(k Kind) bool {
	return k != None && h.Active() == k
}

// Always returns an Injector fixed to inject k.
func Always(k Kind) Injector {
	return fixed(k)
}

type fixed Kind

func (f fixed) ShouldInject(k Kind) bool {
	return k != None && Kind(f) == k
}
