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

// Package release packages firmware images for delivery by the update
// server, and serves them over the update protocol.
package release

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/internal/chunkauth"
	"github.com/transparency-dev/armored-fota/internal/manifest"
)

// DefaultChunkSize is the chunk size used when none is given.
const DefaultChunkSize = 4096

// Keys are the secrets needed to package a release.
type Keys struct {
	// AES is the 32 byte image encryption key.
	AES []byte
	// HMAC is the chunk authentication key.
	HMAC []byte
	// Signer signs the image digest.
	Signer *rsa.PrivateKey
}

// Release is a packaged firmware image: its manifest and the authenticated
// chunks of ciphertext.
type Release struct {
	Manifest *manifest.Manifest
	Chunks   []api.Chunk
}

// Options tweak how a release is built.
type Options struct {
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
	// Rand is the source of the IV. Defaults to crypto/rand.
	Rand io.Reader
}

// Build encrypts, chunks, tags and signs image as firmware version v.
func Build(image []byte, v string, k Keys, opts Options) (*Release, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize <= 0 || opts.ChunkSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("chunk size %d is not a positive multiple of %d", opts.ChunkSize, aes.BlockSize)
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if k.Signer == nil {
		return nil, errors.New("no signing key")
	}
	auth, err := chunkauth.New(k.HMAC)
	if err != nil {
		return nil, err
	}
	if len(k.AES) != 32 {
		return nil, fmt.Errorf("AES key must be 32 bytes, got %d", len(k.AES))
	}
	block, err := aes.NewCipher(k.AES)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %v", err)
	}

	var iv [manifest.IVSize]byte
	if _, err := io.ReadFull(opts.Rand, iv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %v", err)
	}
	p := aes.BlockSize - len(image)%aes.BlockSize
	ct := append(append(make([]byte, 0, len(image)+p), image...), bytes.Repeat([]byte{byte(p)}, p)...)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ct, ct)

	digest := sha256.Sum256(image)
	sig, err := rsa.SignPKCS1v15(nil, k.Signer, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign image: %v", err)
	}

	r := &Release{
		Manifest: &manifest.Manifest{
			Version:       v,
			OriginalSize:  int64(len(image)),
			EncryptedSize: int64(len(ct)),
			ChunkSize:     opts.ChunkSize,
			TotalChunks:   (len(ct) + opts.ChunkSize - 1) / opts.ChunkSize,
			SHA256:        hex.EncodeToString(digest[:]),
			Signature:     sig,
			IV:            iv,
		},
	}
	for n := 0; len(ct) > 0; n++ {
		c := ct[:min(opts.ChunkSize, len(ct))]
		ct = ct[len(c):]
		r.Chunks = append(r.Chunks, api.Chunk{
			Data: base64.StdEncoding.EncodeToString(c),
			HMAC: auth.HexTag(c, n),
			Size: len(c),
		})
	}
	if err := r.Manifest.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// CheckResponse returns the manifest as it is sent to devices.
func (r *Release) CheckResponse() *api.CheckResponse {
	m := r.Manifest
	hash := m.SHA256
	sig := base64.StdEncoding.EncodeToString(m.Signature)
	iv := base64.StdEncoding.EncodeToString(m.IV[:])
	return &api.CheckResponse{
		UpdateAvailable: true,
		Version:         &m.Version,
		OriginalSize:    &m.OriginalSize,
		EncryptedSize:   &m.EncryptedSize,
		SHA256Hash:      &hash,
		Signature:       &sig,
		IV:              &iv,
		ChunkSize:       &m.ChunkSize,
		TotalChunks:     &m.TotalChunks,
	}
}

// file is the on-disk form of a Release.
type file struct {
	Manifest *api.CheckResponse `json:"manifest"`
	Chunks   []api.Chunk        `json:"chunks"`
}

// WriteFile stores r as JSON at path.
func (r *Release) WriteFile(path string) error {
	b, err := json.MarshalIndent(file{Manifest: r.CheckResponse(), Chunks: r.Chunks}, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadFile loads a Release written by WriteFile.
func ReadFile(path string) (*Release, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %q: %v", path, err)
	}
	if f.Manifest == nil {
		return nil, fmt.Errorf("%q has no manifest", path)
	}
	m, err := manifest.FromCheckResponse(f.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%q: %v", path, err)
	}
	if len(f.Chunks) != m.TotalChunks {
		return nil, fmt.Errorf("%q has %d chunks, manifest says %d", path, len(f.Chunks), m.TotalChunks)
	}
	return &Release{Manifest: m, Chunks: f.Chunks}, nil
}
