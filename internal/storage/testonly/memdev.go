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

// Package testonly provides support for storage tests.
package testonly

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// ErrInjected is returned by WriteBlocks once FailWritesAfter blocks have
// been written.
var ErrInjected = errors.New("injected write failure")

// MemDev is an in-memory block device.
//
// Rather than allocating the whole device up front, it keeps a map of the
// blocks which have been written; unwritten blocks read back as zeroes.
type MemDev struct {
	mu        sync.Mutex
	numBlocks uint
	mem       map[uint][]byte

	// FailWritesAfter, if positive, causes writes to fail once that many
	// blocks have been written in total.
	FailWritesAfter int
	written         int

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{numBlocks: numBlocks, mem: make(map[uint][]byte)}
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	if lba >= md.numBlocks {
		return fmt.Errorf("lba (%d) >= device blocks (%d)", lba, md.numBlocks)
	}
	bl := uint(len(b)) / MemBlockSize
	if lba+bl > md.numBlocks {
		bl = md.numBlocks - lba
	}
	for i := uint(0); i < bl; i++ {
		dst := b[i*MemBlockSize : (i+1)*MemBlockSize]
		if blk, ok := md.mem[lba+i]; ok {
			copy(dst, blk)
		} else {
			clear(dst)
		}
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address, zero padding the final block.
//
// Returns the number of blocks written, or an error.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if lba >= md.numBlocks {
		return 0, fmt.Errorf("lba (%d) >= device blocks (%d)", lba, md.numBlocks)
	}
	if r := len(b) % MemBlockSize; r != 0 {
		b = append(b[:len(b):len(b)], make([]byte, MemBlockSize-r)...)
	}
	bl := uint(len(b)) / MemBlockSize
	if lba+bl > md.numBlocks {
		bl = md.numBlocks - lba
	}
	for i := uint(0); i < bl; i++ {
		if md.FailWritesAfter > 0 && md.written >= md.FailWritesAfter {
			return i, ErrInjected
		}
		blk := make([]byte, MemBlockSize)
		copy(blk, b[i*MemBlockSize:])
		md.mem[lba+i] = blk
		md.written++
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}
	return bl, nil
}

// Block returns a copy of the contents of the given block.
func (md *MemDev) Block(lba uint) []byte {
	md.mu.Lock()
	defer md.mu.Unlock()
	r := make([]byte, MemBlockSize)
	copy(r, md.mem[lba])
	return r
}
