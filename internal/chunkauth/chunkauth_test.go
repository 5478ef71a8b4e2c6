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

package chunkauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/transparency-dev/armored-fota/internal/failure"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestTagIsOverChunkAndDecimalIndex(t *testing.T) {
	a, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunk := []byte("some ciphertext bytes")
	m := hmac.New(sha256.New, testKey)
	m.Write([]byte("some ciphertext bytes12"))
	if got, want := a.HexTag(chunk, 12), hex.EncodeToString(m.Sum(nil)); got != want {
		t.Fatalf("HexTag() = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	a, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunk := []byte("0123456789abcdef0123456789abcdef")
	tag := a.HexTag(chunk, 1)

	flipped := append([]byte(nil), chunk...)
	flipped[5] ^= 0x01

	for _, test := range []struct {
		name    string
		chunk   []byte
		n       int
		tag     string
		wantErr bool
	}{
		{
			name:  "valid",
			chunk: chunk,
			n:     1,
			tag:   tag,
		}, {
			name:  "upper case hex",
			chunk: chunk,
			n:     1,
			tag:   strings.ToUpper(tag),
		}, {
			name:    "single bit flip in ciphertext",
			chunk:   flipped,
			n:       1,
			tag:     tag,
			wantErr: true,
		}, {
			name:    "wrong chunk number",
			chunk:   chunk,
			n:       2,
			tag:     tag,
			wantErr: true,
		}, {
			name:    "chunk number with shared decimal prefix",
			chunk:   chunk,
			n:       10,
			tag:     tag,
			wantErr: true,
		}, {
			name:    "not hex",
			chunk:   chunk,
			n:       1,
			tag:     "zz",
			wantErr: true,
		}, {
			name:    "truncated tag",
			chunk:   chunk,
			n:       1,
			tag:     tag[:32],
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := a.Verify(test.chunk, test.n, test.tag)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Verify() = %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr && !failure.Is(err, failure.Integrity) {
				t.Fatalf("Verify() = %v, want IntegrityError", err)
			}
		})
	}
}

func TestNewRejectsEmptyKey(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) succeeded, want error")
	}
}
