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
	"context"
	"errors"
	"time"

	"github.com/transparency-dev/armored-fota/internal/decrypt"
	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/fault"
	"github.com/transparency-dev/armored-fota/internal/manifest"
	"k8s.io/klog/v2"
)

// DownloadAndApply downloads the accepted update into the sink, verifies it,
// and on success schedules a reboot into it.
//
// Any failure ends the attempt in the Error state; a failed signature check
// additionally rejects the image via BootControl.MarkInvalidAndReboot.
// Nothing is retried: the next attempt starts from a fresh update check.
func (s *Session) DownloadAndApply(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return failure.New(failure.Busy, "update already in progress")
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	s.abandon.Store(false)
	m := s.manifest
	s.mu.Unlock()
	if m == nil {
		return failure.New(failure.State, "no update manifest accepted")
	}

	dec, start, err := s.begin(m)
	if err != nil {
		return s.fail(err)
	}
	if !s.advance(Downloading) {
		return s.fail(errAbandoned)
	}

	for n := start; n < m.TotalChunks; n++ {
		if err := s.chunk(ctx, m, dec, n); err != nil {
			if errors.Is(err, errAbandoned) {
				s.discard()
			}
			return s.fail(err)
		}
		s.opts.Yield()
	}
	if s.abandon.Load() {
		s.discard()
		return s.fail(errAbandoned)
	}

	if err := s.opts.Sink.Finalize(); err != nil {
		return s.fail(failure.Wrap(failure.Write, err, "failed to finalize image"))
	}
	if p := s.Progress(); p.BytesDownloaded != m.OriginalSize {
		klog.Warningf("Downloaded %d bytes, manifest says %d", p.BytesDownloaded, m.OriginalSize)
	}

	s.advance(Verifying)
	if err := s.verify(m); err != nil {
		err = s.fail(err)
		s.discard()
		if merr := s.opts.Boot.MarkInvalidAndReboot(); merr != nil {
			klog.Errorf("MarkInvalidAndReboot: %v", merr)
		}
		return err
	}
	if s.abandon.Load() {
		s.discard()
		return s.fail(errAbandoned)
	}
	// Only a verified image is ever made bootable.
	if err := s.opts.Sink.Commit(); err != nil {
		return s.fail(failure.Wrap(failure.Write, err, "failed to stage verified image"))
	}
	if !s.advance(Completed) {
		klog.Infof("Update to %s verified and staged, but abandoned by reset", m.Version)
		return errAbandoned
	}

	s.opts.Stats.RecordSuccess()
	s.persist(m, true)
	klog.Infof("Update to %s complete", m.Version)
	s.scheduleReboot()
	return nil
}

// advance moves to st unless Reset has abandoned the attempt.
func (s *Session) advance(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandon.Load() {
		return false
	}
	s.setStateLocked(st)
	return true
}

// begin prepares the sink and decryptor, resuming an earlier download if
// possible. It returns the first chunk to fetch.
func (s *Session) begin(m *manifest.Manifest) (*decrypt.Context, int, error) {
	s.mu.Lock()
	if s.abandon.Load() {
		s.mu.Unlock()
		return nil, 0, errAbandoned
	}
	s.progress = Progress{
		State:        s.progress.State,
		Version:      m.Version,
		TotalChunks:  m.TotalChunks,
		LastActivity: s.opts.Now(),
	}
	s.chainIV = m.IV
	s.mu.Unlock()

	if c := s.opts.Sink.Capacity(); m.EncryptedSize > c {
		return nil, 0, failure.New(failure.PartitionCapacity, "image of %d bytes exceeds partition capacity of %d bytes", m.EncryptedSize, c)
	}
	if s.opts.Resume {
		if dec, n, ok := s.resume(m); ok {
			return dec, n, nil
		}
	}
	if err := s.opts.Sink.Begin(m.OriginalSize); err != nil {
		return nil, 0, failure.Wrap(failure.Write, err, "failed to begin image write")
	}
	dec, err := decrypt.New(s.opts.AESKey, m.IV)
	if err != nil {
		return nil, 0, failure.Wrap(failure.Decryption, err, "failed to initialise decryption")
	}
	dec.LenientPadding = s.opts.LenientPadding
	klog.Infof("Downloading %s: %d chunks of %d bytes", m.Version, m.TotalChunks, m.ChunkSize)
	return dec, 0, nil
}

// resume picks up a download of the same image which an earlier session
// persisted progress for.
func (s *Session) resume(m *manifest.Manifest) (*decrypt.Context, int, bool) {
	rs, ok := s.opts.Sink.(ResumableSink)
	if !ok {
		klog.V(1).Info("Sink cannot resume, starting from chunk 0")
		return nil, 0, false
	}
	s.mu.Lock()
	prev := s.stored
	s.mu.Unlock()
	if !sameImage(prev, m) {
		klog.V(1).Infof("No stored manifest for %s, starting from chunk 0", m.Version)
		return nil, 0, false
	}
	p, err := loadProgress(s.opts.Store)
	if err != nil {
		klog.V(1).Infof("No resumable progress: %v", err)
		return nil, 0, false
	}
	if p.version != m.Version || p.hash != m.SHA256 || p.total != m.TotalChunks ||
		p.chunks <= 0 || p.chunks >= p.total || !p.hasIV ||
		p.bytes != int64(p.chunks)*int64(m.ChunkSize) {
		klog.V(1).Infof("Stored progress (%s, %d/%d chunks) does not match %s, starting from chunk 0", p.version, p.chunks, p.total, m.Version)
		return nil, 0, false
	}
	if err := rs.ResumeAt(m.OriginalSize, p.bytes); err != nil {
		klog.Warningf("Failed to resume image write: %v", err)
		return nil, 0, false
	}
	dec, err := decrypt.Resume(s.opts.AESKey, p.iv, p.chunks)
	if err != nil {
		klog.Warningf("Failed to resume decryption: %v", err)
		return nil, 0, false
	}
	dec.LenientPadding = s.opts.LenientPadding

	s.mu.Lock()
	s.progress.ChunksReceived = p.chunks
	s.progress.BytesDownloaded = p.bytes
	s.progress.Percentage = p.chunks * 100 / m.TotalChunks
	s.chainIV = p.iv
	s.mu.Unlock()
	klog.Infof("Resuming download of %s at chunk %d/%d", m.Version, p.chunks, m.TotalChunks)
	return dec, p.chunks, true
}

// sameImage reports whether a and b describe the same encrypted image.
func sameImage(a, b *manifest.Manifest) bool {
	return a != nil && b != nil &&
		a.Version == b.Version && a.SHA256 == b.SHA256 && a.IV == b.IV &&
		a.TotalChunks == b.TotalChunks && a.ChunkSize == b.ChunkSize &&
		a.EncryptedSize == b.EncryptedSize && a.OriginalSize == b.OriginalSize
}

// chunk fetches, authenticates, decrypts and stores chunk n.
func (s *Session) chunk(ctx context.Context, m *manifest.Manifest, dec *decrypt.Context, n int) error {
	if s.abandon.Load() {
		return errAbandoned
	}
	if err := ctx.Err(); err != nil {
		return failure.Wrap(failure.Network, err, "chunk %d", n)
	}
	last := m.IsLast(n)

	if n == 0 {
		switch {
		case s.inject(fault.NetworkTimeout):
			return failure.New(failure.Network, "chunk %d: injected timeout", n)
		case s.inject(fault.BadHMAC):
			return failure.New(failure.Integrity, "chunk %d: injected tag mismatch", n)
		case s.inject(fault.CorruptChunk):
			return failure.New(failure.Decryption, "chunk %d: injected corruption", n)
		}
	}
	if last && s.inject(fault.IncompleteDownload) {
		return failure.New(failure.SizeMismatch, "download stopped after %d of %d chunks", n, m.TotalChunks)
	}

	c, err := s.opts.Client.Chunk(ctx, m.Version, n)
	if err != nil {
		return kinded(failure.Network, err, "chunk %d", n)
	}
	if err := s.opts.Auth.Verify(c.Data, n, c.Tag); err != nil {
		return kinded(failure.Integrity, err, "chunk %d", n)
	}
	if want := m.ChunkLen(n); len(c.Data) != want {
		return failure.New(failure.SizeMismatch, "chunk %d is %d bytes, want %d", n, len(c.Data), want)
	}
	pt, err := dec.DecryptChunk(n, c.Data, last)
	if err != nil {
		return kinded(failure.Decryption, err, "chunk %d", n)
	}

	s.mu.Lock()
	got := s.progress.BytesDownloaded
	s.mu.Unlock()
	if rem := m.OriginalSize - got; last && s.opts.LenientPadding && rem >= 0 && int64(len(pt)) > rem {
		klog.Warningf("Final chunk has %d bytes beyond the image size, dropping them", int64(len(pt))-rem)
		pt = pt[:rem]
	}
	w, err := s.opts.Sink.Write(pt)
	if err != nil {
		return failure.Wrap(failure.Write, err, "chunk %d", n)
	}
	if w != len(pt) {
		return failure.New(failure.Write, "chunk %d: short write of %d/%d bytes", n, w, len(pt))
	}

	s.mu.Lock()
	if s.abandon.Load() {
		s.mu.Unlock()
		return errAbandoned
	}
	s.progress.ChunksReceived = n + 1
	s.progress.BytesDownloaded += int64(len(pt))
	s.progress.Percentage = (n + 1) * 100 / m.TotalChunks
	s.progress.LastActivity = s.opts.Now()
	s.chainIV = dec.IV()
	s.mu.Unlock()
	klog.V(1).Infof("Chunk %d/%d: %d bytes", n+1, m.TotalChunks, len(pt))

	s.persist(m, false)
	return nil
}

func (s *Session) verify(m *manifest.Manifest) error {
	if s.inject(fault.BadHash) {
		return failure.New(failure.Signature, "injected image hash mismatch")
	}
	if err := s.opts.Verifier.VerifyImage(s.opts.Sink, m); err != nil {
		return kinded(failure.Signature, err, "image verification")
	}
	return nil
}

// kinded tags err with k unless it already carries a kind.
func kinded(k failure.Kind, err error, format string, args ...any) error {
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	return failure.Wrap(k, err, format, args...)
}

// fail ends the attempt in the Error state.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.abandon.Load() {
		s.mu.Unlock()
		klog.Infof("Update abandoned: %v", err)
		return errAbandoned
	}
	s.setStateLocked(Error)
	s.progress.Err, s.progress.ErrKind = err.Error(), failure.KindOf(err)
	m := s.manifest
	s.mu.Unlock()

	klog.Errorf("Update failed: %v", err)
	if m != nil {
		s.persist(m, true)
	}
	s.opts.Stats.RecordFailure()
	return err
}

func (s *Session) discard() {
	d, ok := s.opts.Sink.(Discarder)
	if !ok {
		return
	}
	if err := d.Discard(); err != nil {
		klog.Warningf("Failed to discard partial image: %v", err)
	}
}

// persist writes progress to the store, at most once per PersistInterval
// unless force is set.
func (s *Session) persist(m *manifest.Manifest, force bool) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	now := s.opts.Now()
	s.mu.Lock()
	if s.abandon.Load() {
		s.mu.Unlock()
		return
	}
	if !force && s.opts.PersistInterval > 0 && now.Sub(s.lastPersist) < s.opts.PersistInterval {
		s.mu.Unlock()
		return
	}
	s.lastPersist = now
	r := progressRecord{
		state:      s.progress.State.String(),
		version:    m.Version,
		hash:       m.SHA256,
		chunks:     s.progress.ChunksReceived,
		total:      m.TotalChunks,
		percentage: s.progress.Percentage,
		bytes:      s.progress.BytesDownloaded,
		size:       m.OriginalSize,
		iv:         s.chainIV,
		hasIV:      true,
	}
	s.mu.Unlock()
	if err := storeProgress(s.opts.Store, r); err != nil {
		klog.Warningf("Failed to persist progress: %v", err)
	}
}

func (s *Session) scheduleReboot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.Infof("Rebooting in %v", s.opts.RebootDelay)
	s.reboot = time.AfterFunc(s.opts.RebootDelay, func() {
		if err := s.opts.Boot.Reboot(); err != nil {
			klog.Errorf("Reboot: %v", err)
		}
	})
}
