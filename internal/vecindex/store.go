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

package vecindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hupe1980/vecgo"

	"github.com/cardinalhq/facerunner/internal/logctx"
)

// Store is the vecgo-backed Index. String point IDs are mapped to vecgo's
// numeric IDs through an in-memory table persisted beside the snapshot,
// which is what makes UpsertBatch an upsert instead of an append.
type Store struct {
	cfg Config

	mu  sync.RWMutex
	db  *vecgo.Vecgo[Payload]
	ids map[string]uint64
}

var _ Index = (*Store)(nil)

// Open loads the collection from its snapshot if one exists, otherwise
// creates an empty collection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ll := logctx.FromContext(ctx)

	s := &Store{cfg: cfg, ids: make(map[string]uint64)}

	if cfg.SnapshotPath != "" {
		if _, err := os.Stat(cfg.SnapshotPath); err == nil {
			db, err := vecgo.NewFromFile[Payload](cfg.SnapshotPath)
			if err != nil {
				return nil, fmt.Errorf("vecindex: loading snapshot: %w", err)
			}
			if err := s.loadManifest(); err != nil {
				_ = db.Close()
				return nil, err
			}
			s.db = db
			ll.Info("Loaded face collection from snapshot",
				"path", cfg.SnapshotPath,
				"count", len(s.ids))
			return s, nil
		}
	}

	db, err := vecgo.HNSW[Payload](cfg.Dims).
		Cosine().
		M(cfg.M).
		EFConstruction(cfg.EFConstruction).
		Build()
	if err != nil {
		return nil, fmt.Errorf("vecindex: creating collection: %w", err)
	}
	s.db = db
	ll.Info("Created empty face collection", "dims", cfg.Dims, "m", cfg.M)
	return s, nil
}

// UpsertBatch inserts new points and updates points whose string ID is
// already known.
func (s *Store) UpsertBatch(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []vecgo.VectorWithData[Payload]
	var freshIDs []string
	for _, p := range points {
		if s.cfg.Dims > 0 && len(p.Vector) != s.cfg.Dims {
			return fmt.Errorf("%w: point %s has %d dims, want %d",
				ErrDimensionMismatch, p.ID, len(p.Vector), s.cfg.Dims)
		}
		item := vecgo.VectorWithData[Payload]{Vector: p.Vector, Data: p.Payload}
		if id, ok := s.ids[p.ID]; ok {
			if err := s.db.Update(ctx, id, item); err != nil {
				return fmt.Errorf("vecindex: updating point %s: %w", p.ID, err)
			}
			continue
		}
		fresh = append(fresh, item)
		freshIDs = append(freshIDs, p.ID)
	}

	if len(fresh) > 0 {
		result := s.db.BatchInsert(ctx, fresh)
		for i, err := range result.Errors {
			if err != nil {
				return fmt.Errorf("vecindex: inserting point %s: %w", freshIDs[i], err)
			}
		}
		if len(result.IDs) != len(fresh) {
			return fmt.Errorf("vecindex: batch insert returned %d ids for %d points",
				len(result.IDs), len(fresh))
		}
		for i, id := range result.IDs {
			s.ids[freshIDs[i]] = id
		}
	}
	return nil
}

// Search returns the topK nearest matches, best first. Cosine distance is
// converted to a similarity score (1 - distance).
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if s.cfg.Dims > 0 && len(vector) != s.cfg.Dims {
		return nil, fmt.Errorf("%w: query has %d dims, want %d",
			ErrDimensionMismatch, len(vector), s.cfg.Dims)
	}
	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	results, err := db.KNNSearch(ctx, vector, topK, func(o *vecgo.KNNSearchOptions) {
		if s.cfg.EFSearch > 0 {
			o.EF = s.cfg.EFSearch
		}
	})
	if err != nil {
		return nil, fmt.Errorf("vecindex: search: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Score:   1 - r.Distance,
			Payload: r.Data,
		})
	}
	return matches, nil
}

// CollectionStatus reports the point count.
func (s *Store) CollectionStatus(_ context.Context) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return Status{Healthy: false, Detail: "collection closed"}, errors.New("vecindex: closed")
	}
	return Status{Count: int64(len(s.ids)), Healthy: true}, nil
}

// Snapshot persists the collection and its ID manifest. Ingestion calls
// this at the end of a run; serving setups may also call it periodically.
func (s *Store) Snapshot(ctx context.Context) error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.SaveToFile(s.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("vecindex: saving snapshot: %w", err)
	}
	if err := s.saveManifestLocked(); err != nil {
		return err
	}
	logctx.FromContext(ctx).Info("Saved face collection snapshot",
		"path", s.cfg.SnapshotPath,
		"count", len(s.ids))
	return nil
}

// Close releases the collection without snapshotting.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) manifestPath() string {
	return s.cfg.SnapshotPath + ".ids.json"
}

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		return fmt.Errorf("vecindex: reading id manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.ids); err != nil {
		return fmt.Errorf("vecindex: decoding id manifest: %w", err)
	}
	return nil
}

func (s *Store) saveManifestLocked() error {
	data, err := json.Marshal(s.ids)
	if err != nil {
		return err
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vecindex: writing id manifest: %w", err)
	}
	if err := os.Rename(tmp, s.manifestPath()); err != nil {
		return fmt.Errorf("vecindex: replacing id manifest: %w", err)
	}
	return nil
}
