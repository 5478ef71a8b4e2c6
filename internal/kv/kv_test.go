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

package kv

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemory(t *testing.T) {
	s := NewMemory()
	if _, err := s.Get(Progress, "state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrNotFound", err)
	}
	for k, v := range map[string]string{"state": "Downloading", "chunks_recv": "2"} {
		if err := s.Set(Progress, k, v); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}
	if err := s.Set(Manifest, "version", "1.2.3"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := s.Get(Progress, "state"); err != nil || got != "Downloading" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if err := s.Clear(Progress); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if diff := cmp.Diff(map[string]string{}, s.Keys(Progress)); diff != "" {
		t.Fatalf("progress not cleared: %s", diff)
	}
	if diff := cmp.Diff(map[string]string{"version": "1.2.3"}, s.Keys(Manifest)); diff != "" {
		t.Fatalf("Clear touched another namespace: %s", diff)
	}
}
