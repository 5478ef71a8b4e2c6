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
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// Diagnostic is a health check run on the first boot of a new image.
type Diagnostic struct {
	Name  string
	Check func(ctx context.Context) error
}

// RollbackRecorder counts rollbacks.
type RollbackRecorder interface {
	RecordRollback()
}

// Outcome is the result of PostBoot.
type Outcome int

const (
	// Confirmed means the running image was already committed.
	Confirmed Outcome = iota
	// Committed means the running image passed its diagnostics and was marked valid.
	Committed
	// Reverted means the running image failed its diagnostics and the device
	// is rebooting into the previous slot.
	Reverted
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "Confirmed"
	case Committed:
		return "Committed"
	case Reverted:
		return "Reverted"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// PostBoot runs once per boot, after Boot.
//
// A rollback flagged before the reboot is counted with rec. If the running
// image is pending verification, every diagnostic is run and exactly one of
// MarkValid or MarkInvalidAndReboot is called.
func PostBoot(ctx context.Context, c *Controller, rec RollbackRecorder, diags ...Diagnostic) (Outcome, error) {
	rolledBack, err := c.takeRollback()
	if err != nil {
		return Confirmed, fmt.Errorf("failed to read rollback flag: %v", err)
	}
	if rolledBack {
		klog.Warning("Previous firmware update was rolled back")
		if rec != nil {
			rec.RecordRollback()
		}
	}

	pending, err := c.IsPendingVerify()
	if err != nil {
		return Confirmed, err
	}
	if !pending {
		return Confirmed, nil
	}

	for _, d := range diags {
		if err := d.Check(ctx); err != nil {
			klog.Errorf("Post-boot diagnostic %q failed: %v", d.Name, err)
			return Reverted, c.MarkInvalidAndReboot()
		}
		klog.V(1).Infof("Post-boot diagnostic %q passed", d.Name)
	}
	return Committed, c.MarkValid()
}
