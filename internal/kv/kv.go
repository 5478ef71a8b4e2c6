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

// Package kv defines the durable key-value store the update engine keeps its
// state in, along with an in-memory implementation.
package kv

import (
	"errors"
	"sync"
)

// Namespaces used by the update engine.
const (
	Manifest = "ota_manifest"
	Progress = "ota_progress"
	Boot     = "ota_boot"
	Stats    = "ota_stats"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("key not found")

// Store is a flash-backed settings store, partitioned into namespaces.
type Store interface {
	// Get returns the value of key in namespace ns, or ErrNotFound.
	Get(ns, key string) (string, error)
	// Set durably stores value under key in namespace ns.
	Set(ns, key, value string) error
	// Clear removes every key in namespace ns.
	Clear(ns string) error
}

// Memory is a Store which keeps everything in RAM.
type Memory struct {
	mu sync.Mutex
	m  map[string]map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]map[string]string)}
}

func (s *Memory) Get(ns, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[ns][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[ns] == nil {
		s.m[ns] = make(map[string]string)
	}
	s.m[ns][key] = value
	return nil
}

func (s *Memory) Clear(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, ns)
	return nil
}

// Keys returns a copy of the contents of namespace ns.
func (s *Memory) Keys(ns string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make(map[string]string, len(s.m[ns]))
	for k, v := range s.m[ns] {
		r[k] = v
	}
	return r
}
