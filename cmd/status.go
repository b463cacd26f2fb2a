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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/facerunner/config"
	"github.com/cardinalhq/facerunner/internal/cursor"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print collection and ingestion status",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := context.Background()

		idxCfg := cfg.Index
		if idxCfg.SnapshotPath == "" {
			idxCfg.SnapshotPath = filepath.Join(cfg.Data.Dir, "index", "vectors.snap")
		}
		store, err := vecindex.Open(ctx, idxCfg)
		if err != nil {
			return fmt.Errorf("failed to open vector index: %w", err)
		}
		defer func() { _ = store.Close() }()

		cs, err := store.CollectionStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to read collection status: %w", err)
		}
		fmt.Printf("index: %d points (dims=%d, m=%d, ef=%d)\n",
			cs.Count, idxCfg.Dims, idxCfg.M, idxCfg.EFSearch)

		cursorPath := filepath.Join(cfg.Data.Dir, "ingestion.db")
		if _, err := os.Stat(cursorPath); err != nil {
			fmt.Println("ingestion: no cursor store")
			return nil
		}
		cur, err := cursor.Open(ctx, cursorPath)
		if err != nil {
			return fmt.Errorf("failed to open cursor store: %w", err)
		}
		defer func() { _ = cur.Close() }()

		counts, err := cur.CountByStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to read cursor counts: %w", err)
		}
		fmt.Printf("ingestion: done=%d pending=%d failed=%d\n",
			counts[cursor.StatusDone], counts[cursor.StatusPending], counts[cursor.StatusFailed])
		return nil
	},
}
