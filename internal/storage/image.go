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

package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/transparency-dev/armored-fota/internal/storage/slots"
	"k8s.io/klog/v2"
)

// Stager knows which slot is free to receive an image, and is told when an
// image in it has been verified or is about to be overwritten.
type Stager interface {
	// InactiveSlot returns the slot which is not currently running.
	InactiveSlot() (uint, error)
	// Stage marks the slot as holding a verified image to boot next.
	Stage(slot uint) error
	// Unstage withdraws slot as the next boot target, if it is staged.
	Unstage(slot uint) error
}

// ImageWriter writes a firmware image sequentially into the inactive slot of
// a partition.
//
// Every Write reaches the device before returning: a trailing partial block is
// written zero padded and rewritten by the following Write.
type ImageWriter struct {
	part   *slots.Partition
	stager Stager

	mu      sync.Mutex
	slot    *slots.Slot
	slotIdx uint
	open    bool
	sealed  bool
	// size is the expected image length, off the number of bytes written.
	size, off int64
	// flushed is the length of the prefix stored in whole blocks which will
	// not be rewritten; tail holds the bytes after it.
	flushed int64
	tail    []byte
}

// NewImageWriter returns a writer targeting p, which uses s to pick the slot.
func NewImageWriter(p *slots.Partition, s Stager) *ImageWriter {
	return &ImageWriter{part: p, stager: s}
}

func (w *ImageWriter) inactive() (*slots.Slot, uint, error) {
	idx, err := w.stager.InactiveSlot()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to determine inactive slot: %v", err)
	}
	s, err := w.part.Open(idx)
	if err != nil {
		return nil, 0, err
	}
	return s, idx, nil
}

// Capacity returns the size in bytes of the slot the next image would be
// written to.
func (w *ImageWriter) Capacity() int64 {
	s, _, err := w.inactive()
	if err != nil {
		klog.Errorf("Capacity: %v", err)
		return 0
	}
	return s.Capacity()
}

// Begin prepares to receive an image of exactly size bytes.
func (w *ImageWriter) Begin(size int64) error {
	return w.ResumeAt(size, 0)
}

// ResumeAt prepares to continue receiving an image of size bytes of which the
// first offset bytes have already been written by a previous ImageWriter.
func (w *ImageWriter) ResumeAt(size, offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if size < 0 || offset < 0 || offset > size {
		return fmt.Errorf("invalid image size %d / offset %d", size, offset)
	}
	s, idx, err := w.inactive()
	if err != nil {
		return err
	}
	if c := s.Capacity(); size > c {
		return fmt.Errorf("image of %d bytes exceeds slot %d capacity of %d bytes", size, idx, c)
	}

	// The slot is about to be overwritten: whatever it held must not boot.
	if err := w.stager.Unstage(idx); err != nil {
		return fmt.Errorf("failed to unstage slot %d: %v", idx, err)
	}

	bs := int64(w.part.BlockSize())
	w.slot, w.slotIdx = s, idx
	w.sealed = false
	w.size, w.off = size, offset
	w.flushed = offset / bs * bs
	w.tail = w.tail[:0]
	if r := offset - w.flushed; r > 0 {
		blk := make([]byte, bs)
		if err := s.ReadBlocks(uint(w.flushed/bs), blk); err != nil {
			return fmt.Errorf("failed to read back partial block at offset %d: %v", w.flushed, err)
		}
		w.tail = append(w.tail, blk[:r]...)
	}
	w.open = true
	if offset > 0 {
		klog.Infof("Resuming image write to slot %d at %d/%d bytes", idx, offset, size)
	} else {
		klog.Infof("Writing %d byte image to slot %d", size, idx)
	}
	return nil
}

// Write appends p to the image.
func (w *ImageWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return 0, errors.New("write before Begin")
	}
	if w.off+int64(len(p)) > w.size {
		return 0, fmt.Errorf("write of %d bytes at offset %d exceeds image size %d", len(p), w.off, w.size)
	}
	bs := int64(w.part.BlockSize())
	buf := append(w.tail, p...)
	if _, err := w.slot.WriteBlocks(uint(w.flushed/bs), buf); err != nil {
		return 0, err
	}
	full := int64(len(buf)) / bs * bs
	w.flushed += full
	w.tail = append(buf[:0], buf[full:]...)
	w.off += int64(len(p))
	klog.V(3).Infof("Wrote %d/%d bytes to slot %d", w.off, w.size, w.slotIdx)
	return len(p), nil
}

// Finalize checks that the whole image has been written and seals it against
// further writes. The slot is not bootable until Commit is called.
func (w *ImageWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return errors.New("finalize before Begin")
	}
	if w.off != w.size {
		return fmt.Errorf("image incomplete: wrote %d of %d bytes", w.off, w.size)
	}
	w.open, w.sealed = false, true
	klog.Infof("Wrote %d byte image to slot %d", w.size, w.slotIdx)
	return nil
}

// Commit stages a sealed image as the next boot target. It must only be
// called once the image has been verified.
func (w *ImageWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.sealed {
		return errors.New("commit before Finalize")
	}
	if err := w.stager.Stage(w.slotIdx); err != nil {
		return fmt.Errorf("failed to stage slot %d: %v", w.slotIdx, err)
	}
	w.sealed = false
	klog.Infof("Staged %d byte image in slot %d", w.size, w.slotIdx)
	return nil
}

// ReadAt reads back image bytes which have been written.
func (w *ImageWriter) ReadAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.slot == nil {
		return 0, errors.New("no image")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= w.off {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), w.off)
	bs := int64(w.part.BlockSize())
	first := off / bs
	last := (end + bs - 1) / bs
	buf := make([]byte, (last-first)*bs)
	if err := w.slot.ReadBlocks(uint(first), buf); err != nil {
		return 0, err
	}
	n := copy(p, buf[off-first*bs:end-first*bs])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Discard erases the inactive slot and forgets any image in progress.
func (w *ImageWriter) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, idx, err := w.inactive()
	if err != nil {
		return err
	}
	if err := w.stager.Unstage(idx); err != nil {
		return fmt.Errorf("failed to unstage slot %d: %v", idx, err)
	}
	w.slot, w.open, w.sealed = nil, false, false
	w.size, w.off, w.flushed, w.tail = 0, 0, 0, w.tail[:0]
	return w.part.EraseSlot(idx)
}
