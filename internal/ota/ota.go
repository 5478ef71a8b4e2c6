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

// Package ota implements the firmware update session: it checks for new
// firmware, downloads it chunk by chunk into the inactive slot, verifies the
// complete image and hands it to the boot controller.
package ota

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/transparency-dev/armored-fota/internal/client"
	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/manifest"
)

// State is the phase of an update session.
type State int

const (
	Idle State = iota
	Checking
	Downloading
	Verifying
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Checking:
		return "Checking"
	case Downloading:
		return "Downloading"
	case Verifying:
		return "Verifying"
	case Completed:
		return "Completed"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// active reports whether the session is doing work which should be making
// progress.
func (s State) active() bool {
	return s == Checking || s == Downloading || s == Verifying
}

// Progress describes the current attempt.
type Progress struct {
	State State
	// Version is the firmware version being installed.
	Version         string
	ChunksReceived  int
	TotalChunks     int
	BytesDownloaded int64
	Percentage      int
	LastActivity    time.Time
	// Err describes the failure which ended the last attempt, if any.
	Err     string
	ErrKind failure.Kind
}

// Client fetches manifests and chunks from the update server.
type Client interface {
	Check(ctx context.Context, currentVersion string) (*manifest.Manifest, error)
	Chunk(ctx context.Context, version string, n int) (*client.Chunk, error)
}

// Authenticator checks the tag on a chunk.
type Authenticator interface {
	Verify(chunk []byte, n int, tag string) error
}

// ImageVerifier checks a complete image against its manifest.
type ImageVerifier interface {
	VerifyImage(r io.ReaderAt, m *manifest.Manifest) error
}

// VersionChecker rejects versions older than the device will accept.
type VersionChecker interface {
	Check(version string) error
}

// Sink is the storage the plaintext image is written to.
type Sink interface {
	// Begin prepares to receive an image of exactly size bytes.
	Begin(size int64) error
	Write(p []byte) (int, error)
	// Finalize completes the image. It must not yet be bootable.
	Finalize() error
	// Commit makes a finalized, verified image the candidate for the next boot.
	Commit() error
	// ReadAt reads back the written image.
	ReadAt(p []byte, off int64) (int, error)
	// Capacity is the largest image the sink can hold.
	Capacity() int64
}

// ResumableSink can continue an image partially written by an earlier session.
type ResumableSink interface {
	Sink
	ResumeAt(size, offset int64) error
}

// Discarder is implemented by sinks which can throw away a partial image.
type Discarder interface {
	Discard() error
}

// BootControl is the device's boot-partition switch.
type BootControl interface {
	IsPendingVerify() (bool, error)
	MarkValid() error
	MarkInvalidAndReboot() error
	Reboot() error
}
