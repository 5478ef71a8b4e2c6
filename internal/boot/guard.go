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

package boot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-fota/internal/kv"
	"k8s.io/klog/v2"
)

const keyMinVersion = "min_version"

// VersionGuard provides anti-rollback protection: it remembers the newest
// firmware version confirmed on this device and refuses anything older.
type VersionGuard struct {
	store kv.Store
}

// NewVersionGuard returns a guard keeping its state in store.
func NewVersionGuard(store kv.Store) *VersionGuard {
	return &VersionGuard{store: store}
}

func parseVersion(s string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(s, "v"))
}

// Minimum returns the oldest version which may be installed, or nil if none
// has been recorded.
func (g *VersionGuard) Minimum() (*semver.Version, error) {
	v, err := g.store.Get(kv.Boot, keyMinVersion)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseVersion(v)
}

// Check returns an error if s is older than the recorded minimum.
func (g *VersionGuard) Check(s string) error {
	v, err := parseVersion(s)
	if err != nil {
		return err
	}
	floor, err := g.Minimum()
	if err != nil {
		return err
	}
	if floor != nil && v.LessThan(*floor) {
		return fmt.Errorf("version %s is older than minimum %s", v, floor)
	}
	return nil
}

// Raise records s as the minimum if it is newer than the current minimum,
// and fails if it is older.
func (g *VersionGuard) Raise(s string) error {
	v, err := parseVersion(s)
	if err != nil {
		return err
	}
	floor, err := g.Minimum()
	if err != nil {
		return err
	}
	switch {
	case floor == nil || floor.LessThan(*v):
		klog.Infof("Raising minimum firmware version to %s", v)
		return g.store.Set(kv.Boot, keyMinVersion, v.String())
	case v.Equal(*floor):
		return nil
	default:
		return errors.New("version mismatch")
	}
}
