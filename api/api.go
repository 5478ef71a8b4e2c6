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

// Package api defines the messages exchanged between a device and the
// firmware update server.
package api

import (
	"bytes"
	"fmt"
	"time"
)

const (
	// CheckPath is the endpoint a device posts a CheckRequest to.
	CheckPath = "/ota/check"
	// ChunkPath is the endpoint a device posts a ChunkRequest to.
	ChunkPath = "/ota/chunk"
)

// CheckRequest asks the server whether newer firmware is available.
type CheckRequest struct {
	DeviceID       string `json:"device_id"`
	CurrentVersion string `json:"current_version"`
}

// CheckResponse describes the firmware available to a device.
//
// All fields other than UpdateAvailable are pointers so that absent fields
// can be told apart from zero values.
type CheckResponse struct {
	UpdateAvailable bool `json:"update_available"`

	Version       *string `json:"version,omitempty"`
	OriginalSize  *int64  `json:"original_size,omitempty"`
	EncryptedSize *int64  `json:"encrypted_size,omitempty"`
	// SHA256Hash is the lowercase hex SHA-256 digest of the plaintext image.
	SHA256Hash *string `json:"sha256_hash,omitempty"`
	// Signature is the base64 RSA PKCS#1 v1.5 signature over the digest.
	Signature *string `json:"signature,omitempty"`
	// IV is the base64 encoded 16 byte CBC initialisation vector.
	IV          *string `json:"iv,omitempty"`
	ChunkSize   *int    `json:"chunk_size,omitempty"`
	TotalChunks *int    `json:"total_chunks,omitempty"`
}

// ChunkRequest asks for one chunk of encrypted firmware.
type ChunkRequest struct {
	DeviceID    string `json:"device_id"`
	Version     string `json:"version"`
	ChunkNumber int    `json:"chunk_number"`
}

// ChunkResponse carries one chunk of encrypted firmware.
type ChunkResponse struct {
	Chunk *Chunk `json:"chunk"`
}

// Chunk is a slice of the encrypted image along with its authentication tag.
type Chunk struct {
	// Data is the base64 encoded ciphertext.
	Data string `json:"data"`
	// HMAC is the lowercase hex HMAC-SHA256 over the ciphertext followed by
	// the decimal chunk number.
	HMAC string `json:"hmac"`
	// Size is the length of the decoded ciphertext.
	Size int `json:"size"`
}

// Status is a snapshot of the update engine, served by the device's admin
// interface.
type Status struct {
	DeviceID        string
	Version         string
	State           string
	TargetVersion   string
	ChunksReceived  int
	TotalChunks     int
	BytesDownloaded int64
	Percentage      int
	LastActivity    time.Time
	Error           string
	Succeeded       uint64
	Failed          uint64
	RolledBack      uint64
	PendingVerify   bool
	TestMode        string
}

// Print returns the status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------- FOTA ----\n")
	status.WriteString(fmt.Sprintf("Device ID ..............: %s\n", s.DeviceID))
	status.WriteString(fmt.Sprintf("Running version ........: %s (pending verify: %v)\n", s.Version, s.PendingVerify))
	status.WriteString(fmt.Sprintf("State ..................: %s\n", s.State))
	if s.TargetVersion != "" {
		status.WriteString(fmt.Sprintf("Target version .........: %s\n", s.TargetVersion))
	}
	status.WriteString(fmt.Sprintf("Progress ...............: %d/%d chunks, %d bytes (%d%%)\n", s.ChunksReceived, s.TotalChunks, s.BytesDownloaded, s.Percentage))
	if !s.LastActivity.IsZero() {
		status.WriteString(fmt.Sprintf("Last activity ..........: %s\n", s.LastActivity.Format(time.RFC3339)))
	}
	if s.Error != "" {
		status.WriteString(fmt.Sprintf("Last error .............: %s\n", s.Error))
	}
	if s.TestMode != "" {
		status.WriteString(fmt.Sprintf("Test mode ..............: %s\n", s.TestMode))
	}
	status.WriteString(fmt.Sprintf("Updates ................: %d succeeded, %d failed, %d rolled back", s.Succeeded, s.Failed, s.RolledBack))

	return status.String()
}
