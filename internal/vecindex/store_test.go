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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dims = 4
	cfg.EFSearch = 64
	return cfg
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testConfig())

	err := s.UpsertBatch(ctx, []Point{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: Payload{PointID: "a", DUI: "00000001-1"}},
		{ID: "b", Vector: []float32{0, 1, 0, 0}, Payload: Payload{PointID: "b", DUI: "00000002-2"}},
		{ID: "c", Vector: []float32{0.9, 0.1, 0, 0}, Payload: Payload{PointID: "c", DUI: "00000003-3"}},
	})
	require.NoError(t, err)

	matches, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Payload.PointID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestUpsertReplacesExistingPoint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testConfig())

	require.NoError(t, s.UpsertBatch(ctx, []Point{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: Payload{PointID: "a", Path: "/old.jpg"}},
	}))
	require.NoError(t, s.UpsertBatch(ctx, []Point{
		{ID: "a", Vector: []float32{0, 1, 0, 0}, Payload: Payload{PointID: "a", Path: "/new.jpg"}},
	}))

	status, err := s.CollectionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Count, "re-upsert must not grow the collection")

	matches, err := s.Search(ctx, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "/new.jpg", matches[0].Payload.Path)
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testConfig())

	err := s.UpsertBatch(ctx, []Point{{ID: "a", Vector: []float32{1, 0}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.Search(ctx, []float32{1, 0}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testConfig())
	require.NoError(t, s.UpsertBatch(ctx, nil))

	status, err := s.CollectionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Count)
	assert.True(t, status.Healthy)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SnapshotPath = t.TempDir() + "/faces.snap"

	s := openTestStore(t, cfg)
	require.NoError(t, s.UpsertBatch(ctx, []Point{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: Payload{PointID: "a", DUI: "d1"}},
		{ID: "b", Vector: []float32{0, 1, 0, 0}, Payload: Payload{PointID: "b", DUI: "d2"}},
	}))
	require.NoError(t, s.Snapshot(ctx))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	status, err := reopened.CollectionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Count)

	matches, err := reopened.Search(ctx, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d2", matches[0].Payload.DUI)
}
