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
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/internal/fault"
	"github.com/transparency-dev/armored-fota/internal/ota"
	"github.com/transparency-dev/armored-fota/internal/stats"
	"k8s.io/klog/v2"
)

// pendingChecker reports whether the running image is yet to be committed.
type pendingChecker interface {
	IsPendingVerify() (bool, error)
}

// triggerer starts a scheduled task early.
type triggerer interface {
	Trigger(name string) error
}

// admin serves the device's local management interface.
type admin struct {
	deviceID string
	version  string
	sess     *ota.Session
	ctl      pendingChecker
	stats    *stats.Statistics
	sched    triggerer
}

func (a *admin) handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(a.stats, collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", a.status)
	mux.HandleFunc("/updatecheck", func(w http.ResponseWriter, _ *http.Request) {
		if err := a.sched.Trigger(updateTask); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		text(w, "ok, update check scheduled")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if err := a.sess.Reset(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		text(w, "ok, update session reset")
	})
	mux.HandleFunc("/stats/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if err := a.stats.Reset(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		klog.Info("Update statistics reset by operator")
		text(w, "ok, statistics reset")
	})
	mux.HandleFunc("/testmode", a.testMode)
	return mux
}

func (a *admin) status(w http.ResponseWriter, _ *http.Request) {
	p := a.sess.Progress()
	s := api.Status{
		DeviceID:        a.deviceID,
		Version:         a.version,
		State:           p.State.String(),
		TargetVersion:   p.Version,
		ChunksReceived:  p.ChunksReceived,
		TotalChunks:     p.TotalChunks,
		BytesDownloaded: p.BytesDownloaded,
		Percentage:      p.Percentage,
		LastActivity:    p.LastActivity,
		Error:           p.Err,
	}
	s.Succeeded, s.Failed, s.RolledBack = a.stats.Snapshot()
	if k := a.sess.TestMode(); k != fault.None {
		s.TestMode = k.String()
	}
	pending, err := a.ctl.IsPendingVerify()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.PendingVerify = pending
	text(w, s.Print())
}

// testMode arms the fault named by the kind parameter; "None" disarms.
func (a *admin) testMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	k, err := fault.Parse(r.FormValue("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if k == fault.None {
		err = a.sess.DisableTestMode()
	} else {
		err = a.sess.EnableTestMode(k)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	text(w, fmt.Sprintf("ok, test mode %s", k))
}

func text(w http.ResponseWriter, s string) {
	w.Header().Add("Content-Type", "text/plain")
	if _, err := w.Write([]byte(s)); err != nil {
		klog.Warningf("Failed to write response: %v", err)
	}
}
