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

// Package stats keeps the update outcome counters.
package stats

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/armored-fota/internal/kv"
	"k8s.io/klog/v2"
)

const (
	keySucceeded  = "success"
	keyFailed     = "failure"
	keyRolledBack = "rollback"
	keyAttempts   = "attempts"
)

var (
	descSucceeded  = prometheus.NewDesc("fota_update_success_total", "Number of firmware images which were downloaded, verified and staged for boot.", nil, nil)
	descFailed     = prometheus.NewDesc("fota_update_failure_total", "Number of update attempts which ended in an error.", nil, nil)
	descRolledBack = prometheus.NewDesc("fota_rollback_total", "Number of boots which reverted to the previous firmware.", nil, nil)
	descAttempts   = prometheus.NewDesc("fota_update_check_total", "Number of times the server was asked for an update.", nil, nil)
)

// Statistics counts update outcomes over the life of the device.
//
// If a store is provided, counters are persisted in the ota_stats namespace
// so they survive the reboots which updates cause.
type Statistics struct {
	store kv.Store

	succeeded, failed, rolledBack, attempts atomic.Uint64
}

// New returns counters, restored from store if it is not nil.
func New(store kv.Store) *Statistics {
	s := &Statistics{store: store}
	if store == nil {
		return s
	}
	for k, c := range s.counters() {
		v, err := store.Get(kv.Stats, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			klog.Warningf("Failed to restore %s counter: %v", k, err)
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			klog.Warningf("Ignoring malformed %s counter %q", k, v)
			continue
		}
		c.Store(n)
	}
	return s
}

func (s *Statistics) counters() map[string]*atomic.Uint64 {
	return map[string]*atomic.Uint64{
		keySucceeded:  &s.succeeded,
		keyFailed:     &s.failed,
		keyRolledBack: &s.rolledBack,
		keyAttempts:   &s.attempts,
	}
}

func (s *Statistics) inc(k string, c *atomic.Uint64) {
	n := c.Add(1)
	if s.store == nil {
		return
	}
	if err := s.store.Set(kv.Stats, k, strconv.FormatUint(n, 10)); err != nil {
		klog.Warningf("Failed to persist %s counter: %v", k, err)
	}
}

// RecordSuccess counts an image which was verified and staged.
func (s *Statistics) RecordSuccess() { s.inc(keySucceeded, &s.succeeded) }

// RecordFailure counts an attempt which ended in an error.
func (s *Statistics) RecordFailure() { s.inc(keyFailed, &s.failed) }

// RecordRollback counts a boot which reverted to the previous firmware.
func (s *Statistics) RecordRollback() { s.inc(keyRolledBack, &s.rolledBack) }

// RecordCheck counts a request to the server for an update.
func (s *Statistics) RecordCheck() { s.inc(keyAttempts, &s.attempts) }

// Snapshot returns the success, failure and rollback counts.
func (s *Statistics) Snapshot() (success, failure, rollback uint64) {
	return s.succeeded.Load(), s.failed.Load(), s.rolledBack.Load()
}

// Checks returns the number of update checks.
func (s *Statistics) Checks() uint64 {
	return s.attempts.Load()
}

// Reset zeroes all counters.
func (s *Statistics) Reset() error {
	for _, c := range s.counters() {
		c.Store(0)
	}
	if s.store != nil {
		return s.store.Clear(kv.Stats)
	}
	return nil
}

// Describe implements prometheus.Collector.
func (s *Statistics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSucceeded
	ch <- descFailed
	ch <- descRolledBack
	ch <- descAttempts
}

// Collect implements prometheus.Collector.
func (s *Statistics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descSucceeded, prometheus.CounterValue, float64(s.succeeded.Load()))
	ch <- prometheus.MustNewConstMetric(descFailed, prometheus.CounterValue, float64(s.failed.Load()))
	ch <- prometheus.MustNewConstMetric(descRolledBack, prometheus.CounterValue, float64(s.rolledBack.Load()))
	ch <- prometheus.MustNewConstMetric(descAttempts, prometheus.CounterValue, float64(s.attempts.Load()))
}
