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

	"github.com/spf13/cobra"

	"github.com/cardinalhq/facerunner/config"
	"github.com/cardinalhq/facerunner/internal/cursor"
	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/ingest"
	"github.com/cardinalhq/facerunner/internal/retrier"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

var (
	ingestPath      string
	ingestBatch     int
	ingestIOWorkers int
	ingestNoResume  bool
)

func init() {
	ingestCmd.Flags().StringVar(&ingestPath, "path", "", "Directory or file to ingest")
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 0, "Index upsert batch size")
	ingestCmd.Flags().IntVar(&ingestIOWorkers, "io-workers", 0, "Parallel image decode workers")
	ingestCmd.Flags().BoolVar(&ingestNoResume, "no-resume", false, "Reprocess files already marked done")
	_ = ingestCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Bulk ingest a photo tree into the vector index",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		servicename := "facerunner-ingest"
		doneCtx, doneFx, err := setupTelemetry(servicename, nil)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer func() {
			if err := doneFx(); err != nil {
				slog.Error("Error shutting down telemetry", slog.Any("error", err))
			}
		}()

		icfg := cfg.Ingest
		icfg.SourceDir = ingestPath
		if ingestBatch > 0 {
			icfg.BatchSize = ingestBatch
		}
		if ingestIOWorkers > 0 {
			icfg.IOParallelism = ingestIOWorkers
		}
		if ingestNoResume {
			icfg.Resume = false
		}
		if icfg.ThumbsDir == "" {
			icfg.ThumbsDir = filepath.Join(cfg.Data.Dir, "thumbs")
		}
		if icfg.ErrorCSV == "" {
			icfg.ErrorCSV = filepath.Join(cfg.Data.Dir, "ingest_errors.csv")
		}

		cur, err := cursor.Open(doneCtx, filepath.Join(cfg.Data.Dir, "ingestion.db"))
		if err != nil {
			return fmt.Errorf("failed to open cursor store: %w", err)
		}
		defer func() { _ = cur.Close() }()

		idxCfg := cfg.Index
		if idxCfg.SnapshotPath == "" {
			idxCfg.SnapshotPath = filepath.Join(cfg.Data.Dir, "index", "vectors.snap")
		}
		store, err := vecindex.Open(doneCtx, idxCfg)
		if err != nil {
			return fmt.Errorf("failed to open vector index: %w", err)
		}
		defer func() { _ = store.Close() }()

		extractor := inference.NewClient(cfg.Extractor)
		executor := retrier.NewExecutor(cfg.Retry, inference.Classify, nil)

		// Warm the sidecar model before the pipeline starts feeding it.
		loadCtx, loadCancel := context.WithTimeout(doneCtx, cfg.Health.ReloadTimeout)
		err = extractor.Load(loadCtx)
		loadCancel()
		if err != nil {
			return fmt.Errorf("failed to load inference model: %w", err)
		}

		pipeline := ingest.New(icfg, cur, store, extractor, guard.New(), executor)
		summary, err := pipeline.Run(doneCtx)
		if err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}

		slog.Info("Ingestion complete",
			slog.Int("processed", summary.Processed),
			slog.Int("skipped", summary.Skipped),
			slog.Int("failed", summary.Failed))
		return nil
	},
}
