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

// Package decrypt implements streaming AES-256-CBC decryption of a firmware
// image delivered as a sequence of chunks.
//
// The image is encrypted as a single CBC stream, so each chunk must be
// decrypted with the last ciphertext block of the previous chunk as its IV.
// A Context carries that chaining state from one chunk to the next and
// refuses to process chunks out of order.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/transparency-dev/armored-fota/internal/failure"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// BlockSize is the AES block size, and the length of the IV.
	BlockSize = aes.BlockSize
)

// Context holds the key and the CBC chaining state for one image.
type Context struct {
	// LenientPadding keeps the final chunk unmodified when its padding is
	// invalid, rather than failing with failure.Padding.
	LenientPadding bool

	block cipher.Block
	iv    [BlockSize]byte
	next  int
}

// New returns a Context which will decrypt chunk 0 using iv.
func New(key []byte, iv [BlockSize]byte) (*Context, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, must be %d bytes for AES-256", len(key), KeySize)
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %v", err)
	}
	return &Context{block: b, iv: iv}, nil
}

// Resume returns a Context which will continue decryption at chunk next,
// using iv as the chaining state left behind by chunk next-1.
func Resume(key []byte, iv [BlockSize]byte, next int) (*Context, error) {
	c, err := New(key, iv)
	if err != nil {
		return nil, err
	}
	c.next = next
	return c, nil
}

// IV returns the current chaining state, i.e. the IV which will be used for
// the next chunk.
func (c *Context) IV() [BlockSize]byte {
	return c.iv
}

// Next returns the number of the chunk this context expects next.
func (c *Context) Next() int {
	return c.next
}

// DecryptChunk decrypts chunk number n, which must be the next chunk in
// sequence, and advances the chaining state.
//
// If last is true, PKCS#7 padding is removed from the end of the plaintext.
// Padding is never inspected on any other chunk.
func (c *Context) DecryptChunk(n int, ct []byte, last bool) ([]byte, error) {
	if n != c.next {
		return nil, failure.New(failure.Decryption, "chunk %d out of sequence, expected chunk %d", n, c.next)
	}
	if len(ct) == 0 || len(ct)%BlockSize != 0 {
		return nil, failure.New(failure.Decryption, "chunk %d: ciphertext length %d is not a positive multiple of %d", n, len(ct), BlockSize)
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(pt, ct)
	copy(c.iv[:], ct[len(ct)-BlockSize:])
	c.next++

	if !last {
		return pt, nil
	}
	unpadded, ok := unpad(pt)
	if !ok {
		if c.LenientPadding {
			return pt, nil
		}
		return nil, failure.New(failure.Padding, "chunk %d: invalid terminal padding", n)
	}
	return unpadded, nil
}

// unpad strips PKCS#7 padding, reporting false if b does not end with valid
// padding.
func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	p := int(b[len(b)-1])
	if p < 1 || p > BlockSize || p > len(b) {
		return b, false
	}
	for _, v := range b[len(b)-p:] {
		if int(v) != p {
			return b, false
		}
	}
	return b[:len(b)-p], true
}
