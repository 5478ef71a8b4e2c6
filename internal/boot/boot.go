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

// Package boot tracks which firmware slot the device runs from, and decides
// after each boot whether a newly installed image is kept or rolled back.
package boot

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/transparency-dev/armored-fota/internal/kv"
	"k8s.io/klog/v2"
)

const (
	keyActive   = "active"
	keyPrevious = "previous"
	keyNext     = "next"
	keyPending  = "pending_verify"
	keyStaged   = "staged"
	keyRollback = "rollback"
)

// Record is the persisted boot state.
type Record struct {
	// Active is the slot the device boots from.
	Active uint
	// Previous is the slot which held the last confirmed image.
	Previous uint
	// Next is the slot holding a staged image, valid if Staged is set.
	Next uint
	// PendingVerify is set from the first boot of a new image until it is
	// marked valid or invalid.
	PendingVerify bool
	// Staged is set once a complete image has been written to Next.
	Staged bool
	// RolledBack is set when an image has been rejected, and cleared once the
	// rollback has been counted after the following boot.
	RolledBack bool
}

// Controller is the device's boot-partition switch.
type Controller struct {
	// Guard, if set, is raised to RunningVersion when an image is marked valid.
	Guard          *VersionGuard
	RunningVersion string

	store    kv.Store
	numSlots uint
	reboot   func() error

	mu sync.Mutex
}

// NewController returns a controller for a device with numSlots firmware
// slots whose state is kept in store. reboot is called to restart the device.
func NewController(store kv.Store, numSlots uint, reboot func() error) (*Controller, error) {
	if numSlots < 2 {
		return nil, fmt.Errorf("need at least 2 slots, got %d", numSlots)
	}
	return &Controller{store: store, numSlots: numSlots, reboot: reboot}, nil
}

func (c *Controller) load() (Record, error) {
	var r Record
	getUint := func(k string) (uint, error) {
		v, err := c.store.Get(kv.Boot, k)
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("malformed %s %q: %v", k, v, err)
		}
		if uint(n) >= c.numSlots {
			return 0, fmt.Errorf("%s slot %d out of range", k, n)
		}
		return uint(n), nil
	}
	getBool := func(k string) (bool, error) {
		v, err := c.store.Get(kv.Boot, k)
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return strconv.ParseBool(v)
	}
	var err error
	if r.Active, err = getUint(keyActive); err != nil {
		return r, err
	}
	if r.Previous, err = getUint(keyPrevious); err != nil {
		return r, err
	}
	if r.Next, err = getUint(keyNext); err != nil {
		return r, err
	}
	if r.PendingVerify, err = getBool(keyPending); err != nil {
		return r, err
	}
	if r.Staged, err = getBool(keyStaged); err != nil {
		return r, err
	}
	if r.RolledBack, err = getBool(keyRollback); err != nil {
		return r, err
	}
	return r, nil
}

func (c *Controller) save(r Record) error {
	for _, e := range []struct{ k, v string }{
		{keyActive, strconv.FormatUint(uint64(r.Active), 10)},
		{keyPrevious, strconv.FormatUint(uint64(r.Previous), 10)},
		{keyNext, strconv.FormatUint(uint64(r.Next), 10)},
		{keyPending, strconv.FormatBool(r.PendingVerify)},
		{keyStaged, strconv.FormatBool(r.Staged)},
		{keyRollback, strconv.FormatBool(r.RolledBack)},
	} {
		if err := c.store.Set(kv.Boot, e.k, e.v); err != nil {
			return fmt.Errorf("failed to store boot %s: %v", e.k, err)
		}
	}
	return nil
}

func (c *Controller) update(f func(r *Record) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.load()
	if err != nil {
		return err
	}
	if err := f(&r); err != nil {
		return err
	}
	return c.save(r)
}

// Record returns the current boot state.
func (c *Controller) Record() (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

// Boot performs the platform's boot-partition switch: if an image has been
// staged, it becomes the active slot and is pending verification.
// It is called once at power-on.
func (c *Controller) Boot() (Record, error) {
	var out Record
	err := c.update(func(r *Record) error {
		if r.Staged {
			klog.Infof("Switching boot slot %d -> %d, pending verification", r.Active, r.Next)
			r.Previous, r.Active = r.Active, r.Next
			r.Staged = false
			r.PendingVerify = true
		}
		out = *r
		return nil
	})
	return out, err
}

// ActiveSlot returns the slot the device is running from.
func (c *Controller) ActiveSlot() (uint, error) {
	r, err := c.Record()
	return r.Active, err
}

// InactiveSlot returns the slot a new image should be written to.
func (c *Controller) InactiveSlot() (uint, error) {
	r, err := c.Record()
	return (r.Active + 1) % c.numSlots, err
}

// Stage records that slot holds a complete image, to be booted next time.
func (c *Controller) Stage(slot uint) error {
	return c.update(func(r *Record) error {
		if slot >= c.numSlots || slot == r.Active {
			return fmt.Errorf("cannot stage slot %d (active slot %d, %d slots)", slot, r.Active, c.numSlots)
		}
		r.Next, r.Staged = slot, true
		return nil
	})
}

// Unstage withdraws slot as the next boot target. It is a no-op unless slot
// is currently staged.
func (c *Controller) Unstage(slot uint) error {
	return c.update(func(r *Record) error {
		if r.Staged && r.Next == slot {
			klog.Infof("Unstaging slot %d", slot)
			r.Staged = false
		}
		return nil
	})
}

// IsPendingVerify reports whether the running image has yet to be confirmed.
func (c *Controller) IsPendingVerify() (bool, error) {
	r, err := c.Record()
	return r.PendingVerify, err
}

// MarkValid commits the running image; it can no longer be rolled back.
func (c *Controller) MarkValid() error {
	if err := c.update(func(r *Record) error {
		if r.PendingVerify {
			klog.Infof("Marking slot %d valid", r.Active)
		}
		r.PendingVerify = false
		r.Previous = r.Active
		return nil
	}); err != nil {
		return err
	}
	if c.Guard != nil && c.RunningVersion != "" {
		return c.Guard.Raise(c.RunningVersion)
	}
	return nil
}

// MarkInvalidAndReboot rejects the newest image and restarts the device.
//
// A running image pending verification is abandoned in favour of the
// previous slot. A staged image which has not yet been booted is unstaged.
func (c *Controller) MarkInvalidAndReboot() error {
	if err := c.update(func(r *Record) error {
		switch {
		case r.PendingVerify:
			klog.Warningf("Slot %d failed verification, reverting to slot %d", r.Active, r.Previous)
			r.Active, r.Next = r.Previous, r.Active
			r.PendingVerify = false
		case r.Staged:
			klog.Warningf("Unstaging rejected image in slot %d", r.Next)
		default:
			klog.Warningf("No staged or pending image to reject, staying on slot %d", r.Active)
		}
		r.Staged = false
		r.RolledBack = true
		return nil
	}); err != nil {
		return err
	}
	return c.Reboot()
}

// Reboot restarts the device.
func (c *Controller) Reboot() error {
	if c.reboot == nil {
		klog.Warning("No reboot hook configured, not rebooting")
		return nil
	}
	klog.Info("Rebooting")
	return c.reboot()
}

// takeRollback clears the rollback flag, reporting whether it was set.
func (c *Controller) takeRollback() (bool, error) {
	var was bool
	err := c.update(func(r *Record) error {
		was, r.RolledBack = r.RolledBack, false
		return nil
	})
	return was, err
}
