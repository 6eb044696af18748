/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dl4eo/cogserv/internal/catalog"
	"github.com/dl4eo/cogserv/status"
	"github.com/dl4eo/cogserv/store"
	"github.com/dl4eo/cogserv/tile"
)

const previewMaxSize = 1024

// Server exposes the conversion and tile APIs over HTTP.
type Server struct {
	converter *Converter
	renderer  *tile.Renderer
	jobs      *status.Store
	blobs     store.Store
}

func NewServer(converter *Converter, renderer *tile.Renderer, jobs *status.Store, blobs store.Store) *Server {
	return &Server{
		converter: converter,
		renderer:  renderer,
		jobs:      jobs,
		blobs:     blobs,
	}
}

// Handler returns the routed HTTP handler, wrapped with request logging and
// panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /convert", s.handleConvert)
	mux.HandleFunc("GET /status/{identifier}", s.handleStatus)
	mux.HandleFunc("GET /tiles/{location...}", s.handleTile)
	mux.HandleFunc("GET /info/{location...}", s.handleInfo)
	mux.HandleFunc("GET /preview/{location...}", s.handlePreview)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return withRecovery(withRequestLog(mux))
}

type convertRequest struct {
	Identifier  string `json:"identifier"`
	Destination string `json:"destination,omitempty"`
}

type convertResponse struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Bucket     string `json:"bucket,omitempty"`
	Path       string `json:"path,omitempty"`
	URI        string `json:"uri,omitempty"`
}

// handleConvert runs a conversion job synchronously and reports the
// terminal state. Progress is visible to other callers through /status
// while the job runs.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object with a non-empty identifier")
		return
	}
	id := strings.TrimSpace(req.Identifier)

	entry, err := s.converter.Convert(r.Context(), id, strings.TrimSpace(req.Destination))
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrProductNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("product %s not found in catalog", id))
		case errors.Is(err, catalog.ErrAuth):
			writeError(w, http.StatusBadGateway, "catalog authentication failed")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	uri := s.blobs.URI(entry.Bucket, entry.Path)
	writeJSON(w, http.StatusOK, convertResponse{
		Identifier: entry.Identifier,
		Status:     string(entry.State),
		Message:    fmt.Sprintf("converted %s to %s", id, uri),
		Bucket:     entry.Bucket,
		Path:       entry.Path,
		URI:        uri,
	})
}

type statusResponse struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
	Bucket     string `json:"bucket,omitempty"`
	Path       string `json:"path,omitempty"`
	URI        string `json:"uri,omitempty"`
}

// handleStatus reports job state. Stored error records and unknown
// identifiers both read as not_available: the artifact cannot be served
// either way, and a retry starts from the same place.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("identifier")
	entry, err := s.jobs.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{Identifier: id}
	switch entry.State {
	case status.StateReady:
		resp.Status = string(status.StateReady)
		resp.Bucket = entry.Bucket
		resp.Path = entry.Path
		resp.URI = s.blobs.URI(entry.Bucket, entry.Path)
	case status.StateProcessing:
		resp.Status = string(status.StateProcessing)
	default:
		resp.Status = "not_available"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTile serves /tiles/{bucket}/{key...}/{z}/{x}/{y}.png. Render
// failures degrade to the transparent tile so a map viewer never shows
// broken tiles.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	location, z, x, y, err := parseTilePath(r.PathValue("location"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bucket, key, err := store.ParseLocation(location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ok, err := s.blobs.Exists(r.Context(), bucket, key); err != nil || !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no artifact at %s", location))
		return
	}

	png, err := s.renderer.RenderTile(r.Context(), location, z, x, y)
	if err != nil {
		log.G(r.Context()).WithError(err).WithField("tile", fmt.Sprintf("%s %d/%d/%d", location, z, x, y)).Warn("tile render failed, serving empty tile")
		png = s.renderer.EmptyTile()
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSuffix(r.PathValue("location"), "/")
	if _, _, err := store.ParseLocation(location); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.renderer.Info(r.Context(), location)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSuffix(r.PathValue("location"), "/")
	if _, _, err := store.ParseLocation(location); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview, err := s.renderer.Preview(r.Context(), location, previewMaxSize)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// parseTilePath splits "bucket/key.../z/x/y.png" into the artifact location
// and tile coordinates.
func parseTilePath(p string) (location string, z, x, y int, err error) {
	p = strings.TrimSuffix(p, ".png")
	parts := strings.Split(p, "/")
	if len(parts) < 5 {
		return "", 0, 0, 0, fmt.Errorf("tile path needs bucket, key and z/x/y, got %q", p)
	}
	coords := parts[len(parts)-3:]
	nums := make([]int, 3)
	for i, c := range coords {
		if nums[i], err = strconv.Atoi(c); err != nil {
			return "", 0, 0, 0, fmt.Errorf("tile coordinate %q is not an integer", c)
		}
	}
	location = strings.Join(parts[:len(parts)-3], "/")
	return location, nums[0], nums[1], nums[2], nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}
