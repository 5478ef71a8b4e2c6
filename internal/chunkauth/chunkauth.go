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

// Package chunkauth authenticates individual firmware chunks.
//
// The tag over a chunk is HMAC-SHA256(key, ciphertext || decimal(chunkNumber)),
// binding each chunk to its position in the image so that a valid chunk
// cannot be replayed at a different offset.
package chunkauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/transparency-dev/armored-fota/internal/failure"
)

// Authenticator computes and checks chunk tags using a pre-shared key.
type Authenticator struct {
	key []byte
}

// New returns an Authenticator for the given key.
func New(key []byte) (*Authenticator, error) {
	if len(key) == 0 {
		return nil, errors.New("empty chunk authentication key")
	}
	return &Authenticator{key: append([]byte(nil), key...)}, nil
}

// Tag returns the raw tag for chunk number n.
func (a *Authenticator) Tag(chunk []byte, n int) []byte {
	m := hmac.New(sha256.New, a.key)
	m.Write(chunk)
	m.Write([]byte(strconv.Itoa(n)))
	return m.Sum(nil)
}

// HexTag returns the tag for chunk number n as it appears on the wire.
func (a *Authenticator) HexTag(chunk []byte, n int) string {
	return hex.EncodeToString(a.Tag(chunk, n))
}

// Verify checks provided, a hex encoded tag in either case, against chunk n.
// A mismatch is reported as a failure.Integrity error.
func (a *Authenticator) Verify(chunk []byte, n int, provided string) error {
	want, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil {
		return failure.Wrap(failure.Integrity, err, "chunk %d: malformed tag", n)
	}
	if !hmac.Equal(a.Tag(chunk, n), want) {
		return failure.New(failure.Integrity, "chunk %d: tag mismatch", n)
	}
	return nil
}
