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

// Package healthcheck exposes the monitor's state as Kubernetes-style
// probe endpoints.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cardinalhq/facerunner/internal/health"
)

// StateReader is the slice of the health monitor the probes need.
type StateReader interface {
	Current() health.State
	Status() health.Status
}

type Response struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
}

type Server struct {
	port    int
	monitor StateReader
	server  *http.Server
}

type Config struct {
	Port int
}

func GetConfigFromEnv() Config {
	port := 8090
	if portStr := os.Getenv("HEALTH_CHECK_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 && p < 65536 {
			port = p
		}
	}

	return Config{
		Port: port,
	}
}

func NewServer(config Config, monitor StateReader) *Server {
	if config.Port == 0 {
		config.Port = 8090
	}

	return &Server{
		port:    config.Port,
		monitor: monitor,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	slog.Info("Starting health check server", slog.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler returns the probe mux for mounting into another server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	return mux
}

// healthz reports that the process is up and serving at all.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	state := s.monitor.Current()
	writeProbe(w, state != health.StateStopped, state)
}

// readyz gates traffic: Ready and Degraded both admit new work, Degraded
// at a reduced ceiling.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, s.monitor.Status().Ready, s.monitor.Current())
}

// livez stays green unless the resource is corrupted, so the orchestrator
// only restarts the pod when a reload cannot recover it.
func (s *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	state := s.monitor.Current()
	writeProbe(w, state != health.StateCorrupted, state)
}

func writeProbe(w http.ResponseWriter, ok bool, state health.State) {
	response := Response{Healthy: ok, State: state.String()}

	w.Header().Set("Content-Type", "application/json")

	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
