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

// Package storage provides block storage for firmware images.
// Note that these are very low-level primitives, and care must be taken when
// using them not to overwrite existing data (e.g. the running firmware!)
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"k8s.io/klog/v2"
)

var (
	// MaxTransferBytes is the largest transfer we'll attempt.
	// Larger reads and writes are split into requests of at most
	// MaxTransferBytes bytes so that other goroutines get a look in.
	MaxTransferBytes = 32 * 1024
)

// FileDevice is a block device backed by a regular file, or by a raw device
// node on targets which expose one.
type FileDevice struct {
	f         *os.File
	blockSize uint
	numBlocks uint
}

// OpenFileDevice opens the file at path as a block device of numBlocks blocks,
// creating and extending it as necessary.
func OpenFileDevice(path string, blockSize, numBlocks uint) (*FileDevice, error) {
	if blockSize == 0 || numBlocks == 0 {
		return nil, errors.New("block size and count must be non-zero")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %q: %v", path, err)
	}
	size := int64(blockSize) * int64(numBlocks)
	if fi.Mode().IsRegular() && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to extend %q to %d bytes: %v", path, size, err)
		}
	}
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// BlockSize returns the size in bytes of the each block in the underlying storage.
func (d *FileDevice) BlockSize() uint {
	return d.blockSize
}

// NumBlocks returns the number of blocks on the device.
func (d *FileDevice) NumBlocks() uint {
	return d.numBlocks
}

// WriteBlocks writes the data in b to the device blocks starting at the given block address.
// If the final block to be written is partial, it will be padded with zeroes to ensure that
// full blocks are written.
// Returns the number of blocks written, or an error.
func (d *FileDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}
	bs := int(d.blockSize)
	if r := len(b) % bs; r != 0 {
		b = append(b[:len(b):len(b)], make([]byte, bs-r)...)
	}
	numBlocks := uint(len(b) / bs)
	if lba+numBlocks > d.numBlocks {
		return 0, fmt.Errorf("write to blocks [%d, %d) past end of device (%d blocks)", lba, lba+numBlocks, d.numBlocks)
	}
	for len(b) > 0 {
		bl := min(len(b), MaxTransferBytes)

		// Since this could be a long-running operation, we need to play nice with the scheduler.
		runtime.Gosched()

		if _, err := d.f.WriteAt(b[:bl], int64(lba)*int64(bs)); err != nil {
			klog.Infof("WriteAt(%d, ...) = %v", lba, err)
			return 0, err
		}
		b = b[bl:]
		lba += uint(bl / bs)
	}
	if err := d.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync: %v", err)
	}
	return numBlocks, nil
}

// ReadBlocks reads data from the storage device at the given address into b.
// b must be a multiple of the underlying device's block size.
func (d *FileDevice) ReadBlocks(lba uint, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	bs := int(d.blockSize)
	if len(b)%bs != 0 {
		return fmt.Errorf("read of %d bytes is not a multiple of the block size %d", len(b), bs)
	}
	for len(b) > 0 {
		bl := min(len(b), MaxTransferBytes)

		// Since this could be a long-running operation, we need to play nice with the scheduler.
		runtime.Gosched()

		n, err := d.f.ReadAt(b[:bl], int64(lba)*int64(bs))
		if err != nil && !errors.Is(err, io.EOF) {
			klog.Errorf("ReadAt(%d, %d) = %v", lba, bl, err)
			return err
		}
		// Anything beyond the end of a sparse backing file reads as zero.
		clear(b[n:bl])
		b = b[bl:]
		lba += uint(bl / bs)
	}
	return nil
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
