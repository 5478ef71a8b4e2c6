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

package slots

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-fota/internal/storage/testonly"
)

func TestOpenPartition(t *testing.T) {
	type slotGeo struct {
		Start  uint
		Length uint
	}
	toSlotGeo := func(in []Slot) []slotGeo {
		r := make([]slotGeo, len(in))
		for i := range in {
			r[i] = slotGeo{
				Start:  in[i].start,
				Length: in[i].length,
			}
		}
		return r
	}

	const devBlocks = 32

	for _, test := range []struct {
		name      string
		geo       Geometry
		wantErr   bool
		wantSlots []slotGeo
	}{
		{
			name: "free space remaining",
			geo: Geometry{
				Start:       10,
				Length:      10,
				SlotLengths: []uint{4, 4},
			},
			wantSlots: []slotGeo{
				{Start: 10, Length: 4},
				{Start: 14, Length: 4},
			},
		}, {
			name: "fully allocated",
			geo: Geometry{
				Start:       10,
				Length:      10,
				SlotLengths: []uint{5, 5},
			},
			wantSlots: []slotGeo{
				{Start: 10, Length: 5},
				{Start: 15, Length: 5},
			},
		}, {
			name: "over allocated",
			geo: Geometry{
				Start:       10,
				Length:      10,
				SlotLengths: []uint{5, 6},
			},
			wantErr: true,
		}, {
			name: "no slots",
			geo: Geometry{
				Start:  10,
				Length: 10,
			},
			wantErr: true,
		}, {
			name: "empty slot",
			geo: Geometry{
				Start:       10,
				Length:      10,
				SlotLengths: []uint{5, 0},
			},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := testonly.NewMemDev(t, devBlocks)
			p, err := OpenPartition(dev, test.geo)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if diff := cmp.Diff(toSlotGeo(p.slots), test.wantSlots); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func memPartition(t *testing.T) (*Partition, *testonly.MemDev) {
	t.Helper()
	md := testonly.NewMemDev(t, 32)
	geo := Geometry{
		Start:       10,
		Length:      10,
		SlotLengths: []uint{4, 4},
	}
	p, err := OpenPartition(md, geo)
	if err != nil {
		t.Fatalf("Failed to create mem partition: %v", err)
	}
	return p, md
}

func TestOpenSlot(t *testing.T) {
	p, _ := memPartition(t)
	for _, test := range []struct {
		name    string
		slot    uint
		wantErr bool
	}{
		{
			name: "works",
			slot: 1,
		}, {
			name:    "invalid slot: too big",
			slot:    uint(len(p.slots)),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := p.Open(test.slot)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Failed to open slot: %v", err)
			}
		})
	}
}

func TestSlotBounds(t *testing.T) {
	p, md := memPartition(t)
	s, err := p.Open(1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got, want := s.Capacity(), int64(4*testonly.MemBlockSize); got != want {
		t.Fatalf("Capacity() = %d, want %d", got, want)
	}

	data := bytes.Repeat([]byte{0x42}, 2*testonly.MemBlockSize)
	if _, err := s.WriteBlocks(2, data); err != nil {
		t.Fatalf("WriteBlocks at end of slot: %v", err)
	}
	// Slot 1 starts at block 14, so its third block is device block 16.
	if got := md.Block(16); !bytes.Equal(got, data[:testonly.MemBlockSize]) {
		t.Fatal("data not written at slot relative address")
	}
	if _, err := s.WriteBlocks(3, data); err == nil {
		t.Fatal("WriteBlocks past end of slot succeeded")
	}
	if err := s.ReadBlocks(4, make([]byte, testonly.MemBlockSize)); err == nil {
		t.Fatal("ReadBlocks past end of slot succeeded")
	}
}

func TestErase(t *testing.T) {
	p, _ := memPartition(t)

	for i := 0; i < p.NumSlots(); i++ {
		s, err := p.Open(uint(i))
		if err != nil {
			t.Fatalf("Failed to open slot %d: %v", i, err)
		}
		if _, err := s.WriteBlocks(0, []byte("some firmware")); err != nil {
			t.Fatalf("Failed to write slot %d: %v", i, err)
		}
	}

	if err := p.Erase(); err != nil {
		t.Fatalf("Failed to erase partition: %v", err)
	}

	for i := 0; i < p.NumSlots(); i++ {
		s, err := p.Open(uint(i))
		if err != nil {
			t.Fatalf("Failed to open slot %d: %v", i, err)
		}
		b := make([]byte, s.Capacity())
		if err := s.ReadBlocks(0, b); err != nil {
			t.Fatalf("Failed to read slot %d: %v", i, err)
		}
		if !bytes.Equal(b, make([]byte, len(b))) {
			t.Fatalf("Slot %d not erased", i)
		}
	}
}
