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

package release

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/internal/manifest"
	"k8s.io/klog/v2"
)

// Server offers the newest of a set of releases to devices.
type Server struct {
	mu       sync.RWMutex
	releases map[string]*Release
	latest   *Release
	latestV  *semver.Version
}

// NewServer returns a server offering the given releases.
func NewServer(rs ...*Release) (*Server, error) {
	s := &Server{releases: make(map[string]*Release)}
	for _, r := range rs {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add makes r available, offering it to devices if it is the newest release.
func (s *Server) Add(r *Release) error {
	v, err := r.Manifest.SemVer()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[r.Manifest.Version] = r
	if s.latestV == nil || s.latestV.LessThan(*v) {
		s.latest, s.latestV = r, v
	}
	klog.Infof("Serving firmware %s: %d bytes in %d chunks", r.Manifest.Version, r.Manifest.OriginalSize, r.Manifest.TotalChunks)
	return nil
}

// Handler returns the protocol endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(api.CheckPath, s.check)
	mux.HandleFunc(api.ChunkPath, s.chunk)
	return mux
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req api.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	latest, latestV := s.latest, s.latestV
	s.mu.RUnlock()

	resp := &api.CheckResponse{}
	if latest != nil {
		cur, err := manifest.ParseVersion(req.CurrentVersion)
		if err != nil {
			klog.V(1).Infof("Device %s sent unparseable version %q: %v", req.DeviceID, req.CurrentVersion, err)
		}
		if err != nil || cur.LessThan(*latestV) {
			resp = latest.CheckResponse()
		}
	}
	klog.V(1).Infof("Check from %s@%s: update available %v", req.DeviceID, req.CurrentVersion, resp.UpdateAvailable)
	writeJSON(w, resp)
}

func (s *Server) chunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req api.ChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	rel := s.releases[req.Version]
	s.mu.RUnlock()
	if rel == nil || req.ChunkNumber < 0 || req.ChunkNumber >= len(rel.Chunks) {
		http.NotFound(w, r)
		return
	}
	c := rel.Chunks[req.ChunkNumber]
	writeJSON(w, &api.ChunkResponse{Chunk: &c})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Warningf("Failed to write response: %v", err)
	}
}
