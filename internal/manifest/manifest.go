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

// Package manifest provides the description of a firmware image offered by
// the update server.
package manifest

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/kv"
)

// IVSize is the length of the CBC initialisation vector.
const IVSize = 16

// Manifest represents the required information to download, decrypt and
// verify one firmware image.
//
// A Manifest is not modified once it has been accepted.
type Manifest struct {
	// Version is the semantic version of the firmware.
	Version string
	// OriginalSize is the length of the plaintext image.
	OriginalSize int64
	// EncryptedSize is the length of the padded, encrypted image.
	EncryptedSize int64
	// ChunkSize is the length of every chunk but the last.
	ChunkSize int
	// TotalChunks is the number of chunks the image is delivered in.
	TotalChunks int
	// SHA256 is the lowercase hex digest of the plaintext image.
	SHA256 string
	// Signature is the RSA PKCS#1 v1.5 signature over the raw SHA256 digest.
	Signature []byte
	// IV is the initialisation vector for the first chunk.
	IV [IVSize]byte
}

// FromCheckResponse builds and validates a Manifest from the server's
// response to an update check.
func FromCheckResponse(r *api.CheckResponse) (*Manifest, error) {
	switch {
	case r.Version == nil:
		return nil, missing("version")
	case r.OriginalSize == nil:
		return nil, missing("original_size")
	case r.EncryptedSize == nil:
		return nil, missing("encrypted_size")
	case r.SHA256Hash == nil:
		return nil, missing("sha256_hash")
	case r.Signature == nil:
		return nil, missing("signature")
	case r.IV == nil:
		return nil, missing("iv")
	case r.ChunkSize == nil:
		return nil, missing("chunk_size")
	case r.TotalChunks == nil:
		return nil, missing("total_chunks")
	}

	sig, err := base64.StdEncoding.DecodeString(*r.Signature)
	if err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "malformed signature")
	}
	iv, err := decodeIV(*r.IV)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		Version:       *r.Version,
		OriginalSize:  *r.OriginalSize,
		EncryptedSize: *r.EncryptedSize,
		ChunkSize:     *r.ChunkSize,
		TotalChunks:   *r.TotalChunks,
		SHA256:        strings.ToLower(*r.SHA256Hash),
		Signature:     sig,
		IV:            iv,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func missing(field string) error {
	return failure.New(failure.Manifest, "missing field %q", field)
}

func decodeIV(s string) ([IVSize]byte, error) {
	var iv [IVSize]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return iv, failure.Wrap(failure.Manifest, err, "malformed iv")
	}
	if len(b) != IVSize {
		return iv, failure.New(failure.Manifest, "iv is %d bytes, want %d", len(b), IVSize)
	}
	copy(iv[:], b)
	return iv, nil
}

// Validate checks that the manifest is internally consistent.
func (m *Manifest) Validate() error {
	if _, err := m.SemVer(); err != nil {
		return failure.Wrap(failure.Manifest, err, "invalid version %q", m.Version)
	}
	if m.ChunkSize <= 0 || m.ChunkSize%IVSize != 0 {
		return failure.New(failure.Manifest, "chunk size %d is not a positive multiple of %d", m.ChunkSize, IVSize)
	}
	if m.EncryptedSize <= 0 || m.EncryptedSize%IVSize != 0 {
		return failure.New(failure.Manifest, "encrypted size %d is not a positive multiple of %d", m.EncryptedSize, IVSize)
	}
	if m.OriginalSize < 0 || m.OriginalSize > m.EncryptedSize {
		return failure.New(failure.Manifest, "original size %d inconsistent with encrypted size %d", m.OriginalSize, m.EncryptedSize)
	}
	if want := (m.EncryptedSize + int64(m.ChunkSize) - 1) / int64(m.ChunkSize); int64(m.TotalChunks) != want {
		return failure.New(failure.Manifest, "total chunks %d, want ceil(%d/%d) = %d", m.TotalChunks, m.EncryptedSize, m.ChunkSize, want)
	}
	if d, err := hex.DecodeString(m.SHA256); err != nil || len(d) != 32 {
		return failure.New(failure.Manifest, "malformed sha256 hash %q", m.SHA256)
	}
	if len(m.Signature) == 0 {
		return failure.New(failure.Manifest, "empty signature")
	}
	return nil
}

// SemVer returns the parsed firmware version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	return ParseVersion(m.Version)
}

// ParseVersion parses a semantic version, with or without a leading "v".
func ParseVersion(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(v, "v"))
}

// Digest returns the raw SHA-256 digest of the plaintext image.
func (m *Manifest) Digest() []byte {
	d, _ := hex.DecodeString(m.SHA256)
	return d
}

// IsLast reports whether chunk n is the final chunk of the image.
func (m *Manifest) IsLast(n int) bool {
	return n == m.TotalChunks-1
}

// ChunkLen returns the expected ciphertext length of chunk n.
func (m *Manifest) ChunkLen(n int) int {
	if m.IsLast(n) {
		return int(m.EncryptedSize - int64(n)*int64(m.ChunkSize))
	}
	return m.ChunkSize
}

const (
	keyVersion     = "version"
	keyTotalChunks = "total_chunks"
	keyHash        = "hash"
	keySignature   = "signature"
	keyIV          = "iv"
	keyEncSize     = "enc_size"
	keyOrigSize    = "orig_size"
	keyChunkSize   = "chunk_size"
)

// Save persists m in the ota_manifest namespace.
func Save(s kv.Store, m *Manifest) error {
	for _, e := range []struct{ k, v string }{
		{keyVersion, m.Version},
		{keyTotalChunks, strconv.Itoa(m.TotalChunks)},
		{keyHash, m.SHA256},
		{keySignature, base64.StdEncoding.EncodeToString(m.Signature)},
		{keyIV, base64.StdEncoding.EncodeToString(m.IV[:])},
		{keyEncSize, strconv.FormatInt(m.EncryptedSize, 10)},
		{keyOrigSize, strconv.FormatInt(m.OriginalSize, 10)},
		{keyChunkSize, strconv.Itoa(m.ChunkSize)},
	} {
		if err := s.Set(kv.Manifest, e.k, e.v); err != nil {
			return fmt.Errorf("failed to store manifest %s: %v", e.k, err)
		}
	}
	return nil
}

// Load returns the manifest stored by Save.
// It returns kv.ErrNotFound if there is none.
func Load(s kv.Store) (*Manifest, error) {
	get := func(k string) (string, error) {
		v, err := s.Get(kv.Manifest, k)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return "", err
			}
			return "", fmt.Errorf("failed to read manifest %s: %v", k, err)
		}
		return v, nil
	}
	vals := make(map[string]string)
	for _, k := range []string{keyVersion, keyTotalChunks, keyHash, keySignature, keyIV, keyEncSize, keyOrigSize, keyChunkSize} {
		v, err := get(k)
		if err != nil {
			return nil, err
		}
		vals[k] = v
	}

	m := &Manifest{Version: vals[keyVersion], SHA256: vals[keyHash]}
	var err error
	if m.TotalChunks, err = strconv.Atoi(vals[keyTotalChunks]); err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "stored total_chunks")
	}
	if m.ChunkSize, err = strconv.Atoi(vals[keyChunkSize]); err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "stored chunk_size")
	}
	if m.EncryptedSize, err = strconv.ParseInt(vals[keyEncSize], 10, 64); err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "stored enc_size")
	}
	if m.OriginalSize, err = strconv.ParseInt(vals[keyOrigSize], 10, 64); err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "stored orig_size")
	}
	if m.Signature, err = base64.StdEncoding.DecodeString(vals[keySignature]); err != nil {
		return nil, failure.Wrap(failure.Manifest, err, "stored signature")
	}
	if m.IV, err = decodeIV(vals[keyIV]); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Clear removes any stored manifest.
func Clear(s kv.Store) error {
	return s.Clear(kv.Manifest)
}
