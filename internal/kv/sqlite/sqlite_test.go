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

package sqlite_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/transparency-dev/armored-fota/internal/kv"
	"github.com/transparency-dev/armored-fota/internal/kv/sqlite"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Get(kv.Boot, "active"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get on empty store = %v, want kv.ErrNotFound", err)
	}
	if err := s.Set(kv.Boot, "active", "0"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(kv.Boot, "active", "1"); err != nil {
		t.Fatalf("Set (overwrite): %v", err)
	}
	if err := s.Set(kv.Progress, "chunks_recv", "7"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear(kv.Progress); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Get(kv.Progress, "chunks_recv"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after Clear = %v, want kv.ErrNotFound", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Values survive a reopen.
	s, err = sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if got, err := s.Get(kv.Boot, "active"); err != nil || got != "1" {
		t.Fatalf("Get after reopen = %q, %v, want \"1\"", got, err)
	}
}
