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
	"bytes"
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-fota/internal/storage/slots"
	"github.com/transparency-dev/armored-fota/internal/storage/testonly"
)

type fakeStager struct {
	inactive uint
	staged   []uint
	unstaged []uint
}

func (f *fakeStager) InactiveSlot() (uint, error) { return f.inactive, nil }
func (f *fakeStager) Stage(s uint) error {
	f.staged = append(f.staged, s)
	return nil
}
func (f *fakeStager) Unstage(s uint) error {
	f.unstaged = append(f.unstaged, s)
	return nil
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func memWriter(t *testing.T) (*ImageWriter, *fakeStager, *slots.Partition) {
	t.Helper()
	md := testonly.NewMemDev(t, 64)
	p, err := slots.OpenPartition(md, slots.Geometry{Start: 8, Length: 40, SlotLengths: []uint{16, 16}})
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	st := &fakeStager{inactive: 1}
	return NewImageWriter(p, st), st, p
}

func readAll(t *testing.T, r io.ReaderAt, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := r.ReadAt(b, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return b
}

func TestFileDeviceRoundTrip(t *testing.T) {
	d, err := OpenFileDevice(filepath.Join(t.TempDir(), "disk.img"), 512, 200)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	// Large enough to be split into several transfers.
	data := randBytes(t, 2*MaxTransferBytes+100)
	n, err := d.WriteBlocks(3, data)
	if err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if want := uint((len(data) + 511) / 512); n != want {
		t.Fatalf("WriteBlocks wrote %d blocks, want %d", n, want)
	}
	got := make([]byte, int(n)*512)
	if err := d.ReadBlocks(3, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got[:len(data)], data) {
		t.Fatal("read back data differs")
	}
	if !bytes.Equal(got[len(data):], make([]byte, len(got)-len(data))) {
		t.Fatal("final block not zero padded")
	}
	if _, err := d.WriteBlocks(199, make([]byte, 1024)); err == nil {
		t.Fatal("WriteBlocks past end of device succeeded")
	}
}

func TestImageWriter(t *testing.T) {
	w, st, _ := memWriter(t)
	img := randBytes(t, 5000)
	if got, want := w.Capacity(), int64(16*testonly.MemBlockSize); got != want {
		t.Fatalf("Capacity() = %d, want %d", got, want)
	}
	if err := w.Begin(int64(len(img))); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Odd sized writes straddle block boundaries.
	for rest := img; len(rest) > 0; {
		n := min(len(rest), 333)
		if c, err := w.Write(rest[:n]); err != nil || c != n {
			t.Fatalf("Write() = %d, %v", c, err)
		}
		rest = rest[n:]
	}
	if _, err := w.Write([]byte{1}); err == nil {
		t.Fatal("Write past expected size succeeded")
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(st.staged) != 0 {
		t.Fatalf("Finalize staged %v, want nothing before Commit", st.staged)
	}
	if got := readAll(t, w, len(img)); !bytes.Equal(got, img) {
		t.Fatal("read back image differs")
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if diff := cmp.Diff([]uint{1}, st.staged); diff != "" {
		t.Fatalf("staged slots diff (-want +got):\n%s", diff)
	}
	if err := w.Commit(); err == nil {
		t.Fatal("second Commit succeeded")
	}
	if _, err := w.ReadAt(make([]byte, 10), int64(len(img))-5); err != io.EOF {
		t.Fatalf("ReadAt over end = %v, want io.EOF", err)
	}
}

func TestImageWriterFinalizeIncomplete(t *testing.T) {
	w, st, _ := memWriter(t)
	if err := w.Begin(100); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := w.Write(make([]byte, 99)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Finalize(); err == nil {
		t.Fatal("Finalize of incomplete image succeeded")
	}
	if len(st.staged) != 0 {
		t.Fatal("incomplete image was staged")
	}
}

func TestImageWriterCommitRequiresFinalize(t *testing.T) {
	w, st, _ := memWriter(t)
	if err := w.Commit(); err == nil {
		t.Fatal("Commit before Begin succeeded")
	}
	if err := w.Begin(10); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := w.Write(make([]byte, 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(); err == nil {
		t.Fatal("Commit before Finalize succeeded")
	}
	if len(st.staged) != 0 {
		t.Fatalf("staged %v, want nothing", st.staged)
	}
}

func TestImageWriterUnstagesBeforeOverwrite(t *testing.T) {
	for _, test := range []struct {
		name  string
		start func(w *ImageWriter) error
	}{
		{name: "begin", start: func(w *ImageWriter) error { return w.Begin(100) }},
		{name: "resume", start: func(w *ImageWriter) error { return w.ResumeAt(100, 40) }},
		{name: "discard", start: func(w *ImageWriter) error { return w.Discard() }},
	} {
		t.Run(test.name, func(t *testing.T) {
			w, st, _ := memWriter(t)
			if err := test.start(w); err != nil {
				t.Fatalf("start: %v", err)
			}
			if diff := cmp.Diff([]uint{1}, st.unstaged); diff != "" {
				t.Fatalf("unstaged slots diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestImageWriterRejectsOversizeImage(t *testing.T) {
	w, _, _ := memWriter(t)
	if err := w.Begin(w.Capacity() + 1); err == nil {
		t.Fatal("Begin with image larger than slot succeeded")
	}
}

func TestImageWriterResume(t *testing.T) {
	w, _, p := memWriter(t)
	img := randBytes(t, 3000)
	if err := w.Begin(int64(len(img))); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	const split = 1300
	if _, err := w.Write(img[:split]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A new writer, as after a restart, picks up mid-block.
	st := &fakeStager{inactive: 1}
	r := NewImageWriter(p, st)
	if err := r.ResumeAt(int64(len(img)), split); err != nil {
		t.Fatalf("ResumeAt: %v", err)
	}
	if _, err := r.Write(img[split:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := readAll(t, r, len(img)); !bytes.Equal(got, img) {
		t.Fatal("resumed image differs")
	}
}

func TestImageWriterDiscard(t *testing.T) {
	w, _, p := memWriter(t)
	if err := w.Begin(600); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := w.Write(bytes.Repeat([]byte{0xff}, 600)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	s, err := p.Open(1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b := make([]byte, 2*testonly.MemBlockSize)
	if err := s.ReadBlocks(0, b); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Fatal("slot not erased")
	}
	if _, err := w.Write([]byte{1}); err == nil {
		t.Fatal("Write after Discard succeeded")
	}
}

func TestImageWriterWriteFailure(t *testing.T) {
	md := testonly.NewMemDev(t, 64)
	md.FailWritesAfter = 2
	p, err := slots.OpenPartition(md, slots.Geometry{Start: 0, Length: 64, SlotLengths: []uint{32, 32}})
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	w := NewImageWriter(p, &fakeStager{})
	if err := w.Begin(4096); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := w.Write(make([]byte, 4096)); err == nil {
		t.Fatal("Write to failing device succeeded")
	}
}
