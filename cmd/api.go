// Copyright (C) 2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cardinalhq/facerunner/config"
	"github.com/cardinalhq/facerunner/internal/admission"
	"github.com/cardinalhq/facerunner/internal/engine"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/retrier"
)

const maxUploadBytes = 32 << 20

type searchHit struct {
	DUI     string  `json:"dui"`
	Path    string  `json:"path"`
	ThumbID string  `json:"thumb_id"`
	Score   float32 `json:"score"`
	Percent float32 `json:"percent"`
}

type searchResponse struct {
	Matches []searchHit `json:"matches"`
}

type statusResponse struct {
	State   string `json:"state"`
	Ready   bool   `json:"ready"`
	Count   int64  `json:"count"`
	Healthy bool   `json:"index_healthy"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type apiServer struct {
	port   int
	engine *engine.Engine
	server *http.Server
}

func newAPIServer(cfg config.APIConfig, eng *engine.Engine) *apiServer {
	return &apiServer{
		port:   cfg.Port,
		engine: eng,
	}
}

func (a *apiServer) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler(),
	}

	slog.Info("Starting API server", slog.Int("port", a.port))

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

func (a *apiServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", a.searchHandler)
	mux.HandleFunc("GET /status", a.statusHandler)
	return mux
}

// searchHandler accepts the query photo either as a multipart "file" part
// or as the raw request body.
func (a *apiServer) searchHandler(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "empty image")
		return
	}

	matches, err := a.engine.Submit(r.Context(), image)
	if err != nil {
		status, msg := mapSubmitError(err)
		writeError(w, status, msg)
		return
	}

	resp := searchResponse{Matches: make([]searchHit, 0, len(matches))}
	for _, m := range matches {
		resp.Matches = append(resp.Matches, searchHit{
			DUI:     m.Payload.DUI,
			Path:    m.Payload.Path,
			ThumbID: m.Payload.ThumbID,
			Score:   m.Score,
			Percent: m.Score * 100,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	cs, hs, err := a.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:   hs.State,
		Ready:   hs.Ready,
		Count:   cs.Count,
		Healthy: cs.Healthy,
	})
}

func readImage(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing multipart file part: %w", err)
		}
		defer func() { _ = file.Close() }()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func mapSubmitError(err error) (int, string) {
	switch {
	case errors.Is(err, admission.ErrOverloaded):
		return http.StatusTooManyRequests, "service overloaded"
	case errors.Is(err, admission.ErrNotReady):
		return http.StatusServiceUnavailable, "service not ready"
	case errors.Is(err, inference.ErrNoFace):
		return http.StatusUnprocessableEntity, "no face detected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retrier.ErrRetriesExhausted):
		return http.StatusGatewayTimeout, "inference did not complete in time"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode API response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
