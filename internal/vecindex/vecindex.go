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

// Package vecindex is the face collection: embeddings plus their payloads,
// searchable by cosine similarity. The index is an external collaborator
// behind the Index interface; the in-process implementation is backed by
// vecgo's HNSW index with snapshot persistence.
package vecindex

import (
	"context"
	"errors"
	"fmt"
)

// Payload is the metadata stored with each face point and returned with
// every match.
type Payload struct {
	PointID string `json:"point_id"`
	DUI     string `json:"dui"`
	Path    string `json:"path"`
	ThumbID string `json:"thumb_id"`
}

// Point is one face embedding plus payload, identified by a stable string
// ID (uuid5 of path:mtime) so re-ingesting an unchanged file is a no-op
// upsert and a changed file replaces its vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Match is one search hit. Score is cosine similarity in [0,1]-ish space
// (1 is identical).
type Match struct {
	Score   float32 `json:"score"`
	Payload Payload `json:"payload"`
}

// Status describes the collection for health checks and the status API.
type Status struct {
	Count   int64  `json:"count"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// ErrDimensionMismatch is returned when a vector's length does not match
// the collection's dimensionality.
var ErrDimensionMismatch = errors.New("vecindex: vector dimension mismatch")

// Index is the vector collection interface the engine and the ingestion
// pipeline consume. Implementations must be safe for concurrent use.
type Index interface {
	// UpsertBatch inserts or replaces a batch of points.
	UpsertBatch(ctx context.Context, points []Point) error

	// Search returns the topK nearest points to vector, best first.
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)

	// CollectionStatus reports point count and reachability.
	CollectionStatus(ctx context.Context) (Status, error)

	// Close flushes and releases the collection.
	Close() error
}

// Config shapes the HNSW collection. The graph parameters mirror the
// production collection tuning: M=32 and efConstruction=256 hold recall
// above 95% into the tens of millions of vectors, and the search-time EF
// trades latency for recall per query.
type Config struct {
	Dims           int    `mapstructure:"dims"`
	M              int    `mapstructure:"m"`
	EFConstruction int    `mapstructure:"ef_construction"`
	EFSearch       int    `mapstructure:"ef_search"`
	SnapshotPath   string `mapstructure:"snapshot_path"`
}

// DefaultConfig returns the production collection shape.
func DefaultConfig() Config {
	return Config{
		Dims:           512,
		M:              32,
		EFConstruction: 256,
		EFSearch:       512,
	}
}

func (c Config) validate() error {
	if c.Dims <= 0 {
		return fmt.Errorf("vecindex: dims must be positive, got %d", c.Dims)
	}
	return nil
}
