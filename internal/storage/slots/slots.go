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

// Package slots describes how a firmware partition is divided into A/B
// image slots on a block device.
package slots

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// BlockReaderWriter is the block device a Partition lives on.
type BlockReaderWriter interface {
	// BlockSize returns the size in bytes of each block on the device.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes into b from contiguous blocks starting at lba.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes b to contiguous blocks starting at lba, zero padding
	// the final block if necessary.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Geometry describes the physical layout of a Partition and its slots on the
// underlying storage.
type Geometry struct {
	// Start identifies the address of first block which is part of a partition.
	Start uint `yaml:"start"`
	// Length is the number of blocks covered by this partition.
	// i.e. [Start, Start+Length) is the range of blocks covered by this partition.
	Length uint `yaml:"length"`
	// SlotLengths is an ordered list containing the lengths of the slot(s)
	// allocated within this partition.
	// Changing these once firmware has been written will make the
	// bootloader look for images in the wrong place.
	SlotLengths []uint `yaml:"slot_lengths"`
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	if len(g.SlotLengths) == 0 {
		return errors.New("invalid geometry: no slots")
	}
	t := uint(0)
	for i, l := range g.SlotLengths {
		if l == 0 {
			return fmt.Errorf("invalid geometry: slot %d has zero length", i)
		}
		t += l
	}
	if t > g.Length {
		return fmt.Errorf("invalid geometry: total slot length (%d blocks) exceeds overall length (%d blocks)", t, g.Length)
	}
	return nil
}

// Partition describes the extent and layout of a single contiguous region of
// underlying block storage.
type Partition struct {
	// dev provides the device-specific read/write functionality.
	dev BlockReaderWriter

	// slots describes the layout of the slot(s) stored within this partition.
	slots []Slot
}

// OpenPartition returns a partition struct for accessing the slots described by the given
// geometry using the provided read/write methods.
func OpenPartition(rw BlockReaderWriter, geo Geometry) (*Partition, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	ret := &Partition{
		dev:   rw,
		slots: make([]Slot, len(geo.SlotLengths)),
	}

	b := geo.Start
	for i, l := range geo.SlotLengths {
		ret.slots[i] = Slot{
			dev:    rw,
			start:  b,
			length: l,
		}
		b += l
	}

	return ret, nil
}

// Erase destroys the data stored in all slots configured in this partition.
// WARNING: Data Loss!
func (p *Partition) Erase() error {
	klog.Info("Erasing partition")
	borked := false
	for i := range p.slots {
		if err := p.EraseSlot(uint(i)); err != nil {
			klog.Warningf("Failed to erase slot %d: %v", i, err)
			borked = true
		}
	}
	if borked {
		return errors.New("failed to erase one or more slots in partition")
	}
	return nil
}

// EraseSlot zeroes every block in the given slot.
func (p *Partition) EraseSlot(i uint) error {
	s, err := p.Open(i)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	klog.Infof("Erasing partition slot %d @ block %d len %d blocks", i, s.start, s.length)
	b := make([]byte, s.length*p.dev.BlockSize())
	if _, err := p.dev.WriteBlocks(s.start, b); err != nil {
		return fmt.Errorf("slot %d occupying blocks [%d, %d): %v", i, s.start, s.start+s.length, err)
	}
	return nil
}

// Open returns the specified slot, or an error if the slot is out of bounds.
func (p *Partition) Open(slot uint) (*Slot, error) {
	if l := uint(len(p.slots)); slot >= l {
		return nil, fmt.Errorf("invalid slot %d (partition has %d slots)", slot, l)
	}
	klog.V(2).Infof("Opening slot %d", slot)
	return &p.slots[slot], nil
}

// NumSlots returns the number of slots configured in this partition.
func (p *Partition) NumSlots() int {
	return len(p.slots)
}

// BlockSize returns the block size of the underlying device.
func (p *Partition) BlockSize() uint {
	return p.dev.BlockSize()
}

// Slot is a fixed run of blocks which holds one firmware image.
type Slot struct {
	// mu guards access to this Slot.
	mu sync.RWMutex

	dev BlockReaderWriter
	// start and length define the on-storage blocks assigned to this slot:
	// [start, start+length).
	start, length uint
}

// Capacity returns the number of bytes the slot can hold.
func (s *Slot) Capacity() int64 {
	return int64(s.length) * int64(s.dev.BlockSize())
}

// ReadBlocks reads len(b) bytes into b, starting at the given block offset
// within the slot.
func (s *Slot) ReadBlocks(lba uint, b []byte) error {
	if err := s.checkBounds(lba, len(b)); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev.ReadBlocks(s.start+lba, b)
}

// WriteBlocks writes b starting at the given block offset within the slot.
// Returns the number of blocks written.
func (s *Slot) WriteBlocks(lba uint, b []byte) (uint, error) {
	if err := s.checkBounds(lba, len(b)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.WriteBlocks(s.start+lba, b)
}

func (s *Slot) checkBounds(lba uint, n int) error {
	bs := s.dev.BlockSize()
	blocks := (uint(n) + bs - 1) / bs
	if lba+blocks > s.length {
		return fmt.Errorf("access to blocks [%d, %d) outside slot of %d blocks", lba, lba+blocks, s.length)
	}
	return nil
}
