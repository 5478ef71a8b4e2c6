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

// Package scheduler runs periodic device tasks cooperatively on a single
// goroutine.
//
// Tasks marked Exclusive (the firmware update) only start when no other task
// is due, and since tasks run one at a time they hold off all other work
// until they return.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// Task is a unit of periodic work.
type Task struct {
	Name string
	// Interval is the time between successful runs.
	Interval time.Duration
	// Exclusive tasks wait until no other task is due.
	Exclusive bool
	// MaxBackoff, if positive, spaces out runs after failures with an
	// exponentially growing delay, starting at Interval and capped at
	// MaxBackoff. Otherwise a failed task runs again after Interval.
	MaxBackoff time.Duration
	// Jitter randomises backoff delays by up to this fraction.
	Jitter float64
	Run    func(ctx context.Context) error
}

type entry struct {
	Task
	next time.Time
	bo   *backoff.ExponentialBackOff
}

// Scheduler runs tasks when they are due.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*entry
	wake  chan struct{}
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Add registers t. It is due immediately.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil || t.Interval <= 0 {
		return errors.New("task needs a name, a positive interval and a Run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.Name == t.Name {
			return fmt.Errorf("task %q already added", t.Name)
		}
	}
	e := &entry{Task: t}
	if t.MaxBackoff > 0 {
		e.bo = backoff.NewExponentialBackOff()
		e.bo.InitialInterval = t.Interval
		e.bo.MaxInterval = t.MaxBackoff
		e.bo.RandomizationFactor = t.Jitter
		e.bo.MaxElapsedTime = 0
		e.bo.Reset()
	}
	s.tasks = append(s.tasks, e)
	return nil
}

// Trigger makes the named task due now.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	var found bool
	for _, e := range s.tasks {
		if e.Name == name {
			e.next, found = time.Time{}, true
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no task %q", name)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next returns when the named task is next due.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// RunOnce runs whatever is due at now and returns the names of the tasks
// which ran.
//
// Due non-exclusive tasks all run. If there are none, the first due
// exclusive task runs on its own.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var shared, exclusive []*entry
	for _, e := range s.tasks {
		if e.next.After(now) {
			continue
		}
		if e.Exclusive {
			exclusive = append(exclusive, e)
		} else {
			shared = append(shared, e)
		}
	}
	s.mu.Unlock()

	run := shared
	if len(run) == 0 && len(exclusive) > 0 {
		run = exclusive[:1]
	} else if len(exclusive) > 0 {
		klog.V(1).Infof("Deferring %q until other tasks are done", exclusive[0].Name)
	}

	var ran []string
	for _, e := range run {
		if ctx.Err() != nil {
			break
		}
		s.run(ctx, e, now)
		ran = append(ran, e.Name)
	}
	return ran
}

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) {
	klog.V(1).Infof("Running task %q", e.Name)
	err := e.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	delay := e.Interval
	switch {
	case err == nil:
		if e.bo != nil {
			e.bo.Reset()
		}
	case e.bo != nil:
		delay = e.bo.NextBackOff()
		klog.Warningf("Task %q failed, next attempt in %v: %v", e.Name, delay, err)
	default:
		klog.Warningf("Task %q failed: %v", e.Name, err)
	}
	e.next = now.Add(delay)
}

// Run runs due tasks every tick, and immediately when a task is triggered,
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		s.RunOnce(ctx, time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-s.wake:
		}
	}
}
