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

package ota

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-fota/internal/kv"
)

func TestProgressRoundTrip(t *testing.T) {
	s := kv.NewMemory()
	want := progressRecord{
		state:      "Downloading",
		version:    "1.2.3",
		hash:       "00ff",
		chunks:     4,
		total:      10,
		percentage: 40,
		bytes:      4096,
		size:       10000,
		iv:         [16]byte{1, 2, 3},
		hasIV:      true,
	}
	if err := storeProgress(s, want); err != nil {
		t.Fatalf("storeProgress: %v", err)
	}
	got, err := loadProgress(s)
	if err != nil {
		t.Fatalf("loadProgress: %v", err)
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(progressRecord{})); diff != "" {
		t.Fatalf("loadProgress() diff (-want +got):\n%s", diff)
	}
	if got := s.Keys(kv.Progress)[keyChunksRecv]; got != "4" {
		t.Errorf("chunks_recv = %q, want 4", got)
	}
}

func TestLoadProgressWithoutChainIV(t *testing.T) {
	s := kv.NewMemory()
	r := progressRecord{state: "Error", version: "1.0.0", chunks: 1, total: 2}
	if err := storeProgress(s, r); err != nil {
		t.Fatalf("storeProgress: %v", err)
	}
	got, err := loadProgress(s)
	if err != nil {
		t.Fatalf("loadProgress: %v", err)
	}
	if got.hasIV {
		t.Error("hasIV set without a stored chain_iv")
	}
}

func TestLoadProgressEmpty(t *testing.T) {
	if _, err := loadProgress(kv.NewMemory()); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("loadProgress() = %v, want ErrNotFound", err)
	}
}

func TestLoadProgressMalformed(t *testing.T) {
	s := kv.NewMemory()
	if err := storeProgress(s, progressRecord{state: "Error", version: "1.0.0", hasIV: true}); err != nil {
		t.Fatalf("storeProgress: %v", err)
	}
	if err := s.Set(kv.Progress, keyChainIV, "AAAA"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := loadProgress(s); err == nil {
		t.Fatal("loadProgress() with short chain_iv succeeded, want error")
	}
}
