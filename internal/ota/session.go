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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transparency-dev/armored-fota/internal/decrypt"
	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/fault"
	"github.com/transparency-dev/armored-fota/internal/kv"
	"github.com/transparency-dev/armored-fota/internal/manifest"
	"github.com/transparency-dev/armored-fota/internal/stats"
	"k8s.io/klog/v2"
)

const (
	// DefaultStaleAfter is how long an active session may go without
	// progress before IsStale reports it as hung.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultRebootDelay is the pause between a successful update and the
	// reboot into it.
	DefaultRebootDelay = 3 * time.Second
)

var errAbandoned = failure.New(failure.State, "update abandoned by reset")

// Options configures a Session. Fields without a documented default are
// required.
type Options struct {
	Client   Client
	Store    kv.Store
	Sink     Sink
	Boot     BootControl
	Auth     Authenticator
	Verifier ImageVerifier
	// AESKey is the 32 byte image encryption key.
	AESKey []byte

	// Stats receives outcome counts. Defaults to unpersisted counters.
	Stats *stats.Statistics
	// Faults decides when to inject failures. Defaults to a disarmed
	// fault.Harness which EnableTestMode controls.
	Faults fault.Injector
	// Guard, if set, rejects manifests older than the device's minimum version.
	Guard VersionChecker

	// CurrentVersion is the running firmware version. Only strictly newer
	// firmware is accepted.
	CurrentVersion string

	// Online reports connectivity. Defaults to always online.
	Online func() bool
	// Yield is called after every chunk. Defaults to runtime.Gosched.
	Yield func()
	// Now defaults to time.Now.
	Now func() time.Time

	// PersistInterval is the minimum time between progress writes during a
	// download; zero persists after every chunk.
	PersistInterval time.Duration
	// StaleAfter defaults to DefaultStaleAfter.
	StaleAfter time.Duration
	// RebootDelay defaults to DefaultRebootDelay.
	RebootDelay time.Duration

	// Resume continues a download interrupted in an earlier session, rather
	// than restarting from chunk 0.
	Resume bool
	// LenientPadding keeps the final chunk when its padding is invalid.
	LenientPadding bool
}

// Session runs update attempts. At most one attempt is in flight at a time.
type Session struct {
	opts    Options
	harness *fault.Harness

	// busy is set while DownloadAndApply runs, abandon when Reset asks it to stop.
	busy, abandon atomic.Bool

	mu       sync.Mutex
	progress Progress
	manifest *manifest.Manifest
	// stored is the manifest an earlier attempt persisted, which any partial
	// image in the sink was written under.
	stored *manifest.Manifest
	// chainIV is the CBC state after the last chunk counted in progress.
	chainIV     [decrypt.BlockSize]byte
	lastPersist time.Time
	reboot      *time.Timer

	// storeMu orders progress writes against Reset clearing them.
	storeMu sync.Mutex
}

// New returns an idle session.
func New(opts Options) (*Session, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("missing Client")
	case opts.Store == nil:
		return nil, errors.New("missing Store")
	case opts.Sink == nil:
		return nil, errors.New("missing Sink")
	case opts.Boot == nil:
		return nil, errors.New("missing Boot")
	case opts.Auth == nil:
		return nil, errors.New("missing Auth")
	case opts.Verifier == nil:
		return nil, errors.New("missing Verifier")
	case len(opts.AESKey) != decrypt.KeySize:
		return nil, fmt.Errorf("AES key must be %d bytes, got %d", decrypt.KeySize, len(opts.AESKey))
	}
	s := &Session{opts: opts}
	if s.opts.Stats == nil {
		s.opts.Stats = stats.New(nil)
	}
	switch f := s.opts.Faults.(type) {
	case nil:
		s.harness = &fault.Harness{}
		s.opts.Faults = s.harness
	case *fault.Harness:
		s.harness = f
	}
	if s.opts.Yield == nil {
		s.opts.Yield = runtime.Gosched
	}
	if s.opts.Now == nil {
		s.opts.Now = time.Now
	}
	if s.opts.StaleAfter <= 0 {
		s.opts.StaleAfter = DefaultStaleAfter
	}
	if s.opts.RebootDelay <= 0 {
		s.opts.RebootDelay = DefaultRebootDelay
	}

	if p, err := loadProgress(s.opts.Store); err == nil && p.state != "" {
		klog.Infof("Previous update of %s ended in state %s at chunk %d/%d", p.version, p.state, p.chunks, p.total)
	}
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.State
}

// Progress returns a snapshot of the current attempt.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Manifest returns the accepted manifest, if any.
func (s *Session) Manifest() *manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Statistics returns the success, failure and rollback counts.
func (s *Session) Statistics() (success, failure, rollback uint64) {
	return s.opts.Stats.Snapshot()
}

// IsStale reports whether an active session has made no progress for longer
// than the staleness threshold.
func (s *Session) IsStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.State.active() && now.Sub(s.progress.LastActivity) > s.opts.StaleAfter
}

// EnableTestMode arms fault injection of kind k.
// It fails if the session was built with a fixed fault.Injector.
func (s *Session) EnableTestMode(k fault.Kind) error {
	if s.harness == nil {
		return errors.New("fault injection is fixed for this session")
	}
	klog.Warningf("Test mode enabled: injecting %s", k)
	s.harness.Enable(k)
	return nil
}

// DisableTestMode stops fault injection.
func (s *Session) DisableTestMode() error {
	if s.harness == nil {
		return errors.New("fault injection is fixed for this session")
	}
	s.harness.Disable()
	return nil
}

// TestMode returns the armed fault, or fault.None.
func (s *Session) TestMode() fault.Kind {
	if s.harness == nil {
		return fault.None
	}
	return s.harness.Active()
}

func (s *Session) inject(k fault.Kind) bool {
	if s.opts.Faults.ShouldInject(k) {
		klog.Warningf("Injecting fault %s", k)
		return true
	}
	return false
}

// setState moves to st and records activity. Callers must hold mu.
func (s *Session) setStateLocked(st State) {
	if s.progress.State != st {
		klog.V(1).Infof("Update state %s -> %s", s.progress.State, st)
	}
	s.progress.State = st
	s.progress.LastActivity = s.opts.Now()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

// CheckForUpdate asks the server for newer firmware. If some is available,
// its manifest is accepted and returned, ready for DownloadAndApply.
// It returns nil, nil if there is nothing to do.
func (s *Session) CheckForUpdate(ctx context.Context) (*manifest.Manifest, error) {
	if s.busy.Load() {
		return nil, failure.New(failure.Busy, "update in progress")
	}
	if s.opts.Online != nil && !s.opts.Online() {
		err := failure.New(failure.Network, "no connectivity")
		s.idle(err)
		return nil, err
	}

	s.mu.Lock()
	s.manifest = nil
	s.progress = Progress{}
	s.setStateLocked(Checking)
	s.mu.Unlock()
	s.opts.Stats.RecordCheck()

	m, err := s.opts.Client.Check(ctx, s.opts.CurrentVersion)
	if err == nil && m != nil {
		err = s.acceptable(m)
	}
	if err != nil {
		klog.Errorf("Update check failed: %v", err)
		s.idle(err)
		return nil, err
	}
	if m == nil {
		klog.V(1).Infof("No update available for %s", s.opts.CurrentVersion)
		s.idle(nil)
		return nil, nil
	}

	var stored *manifest.Manifest
	if s.opts.Resume {
		if stored, err = manifest.Load(s.opts.Store); err != nil && !errors.Is(err, kv.ErrNotFound) {
			klog.Warningf("Ignoring stored manifest: %v", err)
		}
	}
	if err := manifest.Save(s.opts.Store, m); err != nil {
		klog.Warningf("Failed to persist manifest: %v", err)
	}
	s.mu.Lock()
	s.manifest, s.stored = m, stored
	s.progress.Version = m.Version
	s.progress.TotalChunks = m.TotalChunks
	s.progress.LastActivity = s.opts.Now()
	s.mu.Unlock()
	klog.Infof("Update available: %s -> %s (%d bytes in %d chunks)", s.opts.CurrentVersion, m.Version, m.EncryptedSize, m.TotalChunks)
	return m, nil
}

// acceptable rejects firmware which is not newer than what is running.
func (s *Session) acceptable(m *manifest.Manifest) error {
	v, err := m.SemVer()
	if err != nil {
		return failure.Wrap(failure.Manifest, err, "invalid version %q", m.Version)
	}
	if s.opts.CurrentVersion != "" {
		cur, err := manifest.ParseVersion(s.opts.CurrentVersion)
		if err != nil {
			klog.Warningf("Running version %q is not a semantic version: %v", s.opts.CurrentVersion, err)
		} else if !cur.LessThan(*v) {
			return failure.New(failure.Manifest, "offered version %s is not newer than running version %s", v, cur)
		}
	}
	if s.opts.Guard != nil {
		if err := s.opts.Guard.Check(m.Version); err != nil {
			return failure.Wrap(failure.Manifest, err, "anti-rollback check")
		}
	}
	return nil
}

// idle returns to Idle, recording err if it is not nil.
func (s *Session) idle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(Idle)
	if err != nil {
		s.progress.Err, s.progress.ErrKind = err.Error(), failure.KindOf(err)
	}
}

// Reset abandons any attempt in flight and returns to Idle with no progress,
// forgetting the accepted manifest and any persisted progress.
// A running download stops at the next chunk boundary.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.busy.Load() {
		s.abandon.Store(true)
	}
	if s.reboot != nil {
		s.reboot.Stop()
		s.reboot = nil
	}
	s.progress = Progress{State: Idle}
	s.manifest, s.stored = nil, nil
	s.mu.Unlock()

	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return errors.Join(
		s.opts.Store.Clear(kv.Progress),
		manifest.Clear(s.opts.Store),
	)
}

// Poll performs one scheduled update cycle: a stale session is reset, then
// any available update is downloaded and applied.
func (s *Session) Poll(ctx context.Context) error {
	if s.IsStale(s.opts.Now()) {
		klog.Warningf("Update session stale in state %s, resetting", s.State())
		if err := s.Reset(); err != nil {
			klog.Warningf("Reset: %v", err)
		}
	}
	switch {
	case s.State() == Completed:
		klog.V(1).Info("Update complete, waiting for reboot")
		return nil
	case s.busy.Load():
		klog.V(1).Info("Update already in progress")
		return nil
	}
	m, err := s.CheckForUpdate(ctx)
	if err != nil || m == nil {
		return err
	}
	return s.DownloadAndApply(ctx)
}
