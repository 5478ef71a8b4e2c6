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
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/transparency-dev/armored-fota/internal/decrypt"
	"github.com/transparency-dev/armored-fota/internal/kv"
)

const (
	keyChunksRecv   = "chunks_recv"
	keyTotalChunks  = "total_chunks"
	keyBytesDown    = "bytes_down"
	keyPercentage   = "percentage"
	keyState        = "state"
	keyVersion      = "version"
	keyFirmwareSize = "firmware_size"
	keyHash         = "hash"
	keyChainIV      = "chain_iv"
)

// progressRecord is the persisted form of a session's progress.
type progressRecord struct {
	state, version, hash      string
	chunks, total, percentage int
	bytes, size               int64
	iv                        [decrypt.BlockSize]byte
	hasIV                     bool
}

func storeProgress(s kv.Store, r progressRecord) error {
	entries := []struct{ k, v string }{
		{keyState, r.state},
		{keyVersion, r.version},
		{keyHash, r.hash},
		{keyTotalChunks, strconv.Itoa(r.total)},
		{keyFirmwareSize, strconv.FormatInt(r.size, 10)},
		{keyBytesDown, strconv.FormatInt(r.bytes, 10)},
		{keyPercentage, strconv.Itoa(r.percentage)},
	}
	if r.hasIV {
		entries = append(entries, struct{ k, v string }{keyChainIV, base64.StdEncoding.EncodeToString(r.iv[:])})
	}
	// The chunk count goes last: a resume needs it to agree with the values
	// above.
	entries = append(entries, struct{ k, v string }{keyChunksRecv, strconv.Itoa(r.chunks)})
	for _, e := range entries {
		if err := s.Set(kv.Progress, e.k, e.v); err != nil {
			return fmt.Errorf("failed to store progress %s: %v", e.k, err)
		}
	}
	return nil
}

func loadProgress(s kv.Store) (progressRecord, error) {
	var r progressRecord
	get := func(k string) (string, error) {
		v, err := s.Get(kv.Progress, k)
		if err != nil {
			return "", fmt.Errorf("progress %s: %w", k, err)
		}
		return v, nil
	}
	getInt := func(k string) (int64, error) {
		v, err := get(k)
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(v, 10, 64)
	}

	var err error
	if r.state, err = get(keyState); err != nil {
		return r, err
	}
	if r.version, err = get(keyVersion); err != nil {
		return r, err
	}
	if r.hash, err = get(keyHash); err != nil {
		return r, err
	}
	var n int64
	if n, err = getInt(keyChunksRecv); err != nil {
		return r, err
	}
	r.chunks = int(n)
	if n, err = getInt(keyTotalChunks); err != nil {
		return r, err
	}
	r.total = int(n)
	if n, err = getInt(keyPercentage); err != nil {
		return r, err
	}
	r.percentage = int(n)
	if r.bytes, err = getInt(keyBytesDown); err != nil {
		return r, err
	}
	if r.size, err = getInt(keyFirmwareSize); err != nil {
		return r, err
	}

	iv, err := get(keyChainIV)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return r, err
	default:
		b, err := base64.StdEncoding.DecodeString(iv)
		if err != nil || len(b) != decrypt.BlockSize {
			return r, fmt.Errorf("malformed chain_iv %q", iv)
		}
		copy(r.iv[:], b)
		r.hasIV = true
	}
	return r, nil
}
