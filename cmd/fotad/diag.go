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

package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/transparency-dev/armored-fota/internal/boot"
	"github.com/transparency-dev/armored-fota/internal/client"
	"github.com/transparency-dev/armored-fota/internal/config"
	"github.com/transparency-dev/armored-fota/internal/failure"
	"github.com/transparency-dev/armored-fota/internal/storage/slots"
)

const (
	diagTimeout = 30 * time.Second
	// maxHeapBytes is the most heap a healthy daemon should have in use
	// shortly after start.
	maxHeapBytes = 256 << 20
)

// diagnostics returns the checks a freshly booted image must pass before it
// is committed.
func diagnostics(cfg *config.Config, ctl *boot.Controller, part *slots.Partition, c *client.Client) []boot.Diagnostic {
	return []boot.Diagnostic{
		{
			Name: "version",
			Check: func(context.Context) error {
				return ctl.Guard.Check(cfg.FirmwareVersion)
			},
		}, {
			Name: "storage",
			Check: func(context.Context) error {
				a, err := ctl.ActiveSlot()
				if err != nil {
					return err
				}
				s, err := part.Open(a)
				if err != nil {
					return err
				}
				return s.ReadBlocks(0, make([]byte, part.BlockSize()))
			},
		}, {
			Name: "memory",
			Check: func(context.Context) error {
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				if m.HeapAlloc > maxHeapBytes {
					return fmt.Errorf("heap in use is %d bytes, limit %d", m.HeapAlloc, maxHeapBytes)
				}
				return nil
			},
		}, {
			Name: "connectivity",
			Check: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, diagTimeout)
				defer cancel()
				// Any answer from the server will do.
				if _, err := c.Check(ctx, cfg.FirmwareVersion); failure.Is(err, failure.Network) {
					return err
				}
				return nil
			},
		},
	}
}
