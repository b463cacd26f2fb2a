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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/facerunner/config"
	"github.com/cardinalhq/facerunner/internal/admission"
	"github.com/cardinalhq/facerunner/internal/engine"
	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/health"
	"github.com/cardinalhq/facerunner/internal/healthcheck"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/retrier"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve face similarity queries",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		servicename := "facerunner-serve"
		doneCtx, doneFx, err := setupTelemetry(servicename, nil)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer func() {
			if err := doneFx(); err != nil {
				slog.Error("Error shutting down telemetry", slog.Any("error", err))
			}
		}()

		g := guard.New()
		extractor := inference.NewClient(cfg.Extractor)
		monitor := health.NewMonitor(cfg.Health, g, extractor.Load,
			health.WithFaultFilter(inference.IsResourceFault))
		executor := retrier.NewExecutor(cfg.Retry, inference.Classify, monitor)
		admitter := admission.New(cfg.Admission, monitor)

		idxCfg := cfg.Index
		if idxCfg.SnapshotPath == "" {
			idxCfg.SnapshotPath = filepath.Join(cfg.Data.Dir, "index", "vectors.snap")
		}
		store, err := vecindex.Open(doneCtx, idxCfg)
		if err != nil {
			return fmt.Errorf("failed to open vector index: %w", err)
		}

		eng := engine.New(cfg.Engine, g, admitter, monitor, extractor, store, executor)

		// Warm the sidecar model before accepting traffic.
		loadCtx, loadCancel := context.WithTimeout(doneCtx, cfg.Health.ReloadTimeout)
		monitor.MarkLoaded(extractor.Load(loadCtx))
		loadCancel()

		healthServer := healthcheck.NewServer(healthcheck.GetConfigFromEnv(), monitor)
		go func() {
			if err := healthServer.Start(doneCtx); err != nil {
				slog.Error("Health check server stopped", slog.Any("error", err))
			}
		}()

		api := newAPIServer(cfg.API, eng)
		go func() {
			if err := api.Start(doneCtx); err != nil {
				slog.Error("API server stopped", slog.Any("error", err))
			}
		}()

		slog.Info("Serving",
			slog.Int("apiPort", cfg.API.Port),
			slog.String("state", monitor.Current().String()))

		<-doneCtx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			slog.Error("Engine drain did not finish cleanly", slog.Any("error", err))
		}
		if err := store.Snapshot(shutdownCtx); err != nil {
			slog.Error("Index snapshot failed", slog.Any("error", err))
		}
		if err := store.Close(); err != nil {
			slog.Error("Index close failed", slog.Any("error", err))
		}
		return nil
	},
}
