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

package ingest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/facerunner/internal/cursor"
	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/imaging"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/retrier"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

type scriptedExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]float32, error)
}

func (s *scriptedExtractor) ExtractEmbedding(_ context.Context, _ []byte) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call)
}

func (s *scriptedExtractor) Load(_ context.Context) error { return nil }

func (s *scriptedExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingIndex struct {
	mu      sync.Mutex
	points  map[string]vecindex.Point
	flushes int
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{points: map[string]vecindex.Point{}}
}

func (r *recordingIndex) UpsertBatch(_ context.Context, points []vecindex.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pt := range points {
		r.points[pt.ID] = pt
	}
	r.flushes++
	return nil
}

func (r *recordingIndex) Search(_ context.Context, _ []float32, _ int) ([]vecindex.Match, error) {
	return nil, nil
}

func (r *recordingIndex) CollectionStatus(_ context.Context) (vecindex.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return vecindex.Status{Count: int64(len(r.points)), Healthy: true}, nil
}

func (r *recordingIndex) Close() error { return nil }

func (r *recordingIndex) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

func writeTestImages(t *testing.T, dir string, n int) []string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.Set(x, y, color.RGBA{R: uint8(i * 16), G: uint8(x * 16), B: uint8(y * 16), A: 255})
			}
		}
		data, err := imaging.EncodeJPEG(img, 90)
		require.NoError(t, err)
		path := filepath.Join(dir, fmt.Sprintf("DUI%03d.jpg", i))
		require.NoError(t, os.WriteFile(path, data, 0o644))
		paths = append(paths, path)
	}
	return paths
}

func newTestPipeline(t *testing.T, cfg Config, idx vecindex.Index, ext inference.Extractor) (*Pipeline, *cursor.Store) {
	t.Helper()
	cur, err := cursor.Open(context.Background(), filepath.Join(t.TempDir(), "ingestion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cur.Close() })

	exec := retrier.NewExecutor(retrier.DefaultPolicy(), inference.Classify, nil,
		retrier.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	return New(cfg, cur, idx, ext, guard.New(), exec), cur
}

func testConfig(src string) Config {
	cfg := DefaultConfig()
	cfg.SourceDir = src
	cfg.IOParallelism = 4
	cfg.BatchSize = 8
	cfg.FlushInterval = time.Hour
	return cfg
}

func TestRunIngestsEverything(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTestImages(t, src, 10)

	ext := &scriptedExtractor{fn: func(int) ([]float32, error) { return []float32{1, 0}, nil }}
	idx := newRecordingIndex()
	p, cur := newTestPipeline(t, testConfig(src), idx, ext)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 10, idx.count())

	counts, err := cur.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts[cursor.StatusDone])

	pt, ok := anyPoint(idx)
	require.True(t, ok)
	assert.Regexp(t, `^DUI\d{3}$`, pt.Payload.DUI)
	assert.NotEmpty(t, pt.Payload.ThumbID)
}

func anyPoint(idx *recordingIndex) (vecindex.Point, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, pt := range idx.points {
		return pt, true
	}
	return vecindex.Point{}, false
}

func TestRunIsIdempotent(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTestImages(t, src, 6)

	ext := &scriptedExtractor{fn: func(int) ([]float32, error) { return []float32{1, 0}, nil }}
	idx := newRecordingIndex()
	p, _ := newTestPipeline(t, testConfig(src), idx, ext)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	firstCalls := ext.callCount()

	p2 := New(p.cfg, p.cursor, idx, ext, guard.New(), p.retry)
	summary, err := p2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 6, summary.Skipped)
	assert.Equal(t, firstCalls, ext.callCount())
}

func TestRunResumesAfterPartialRun(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	paths := writeTestImages(t, src, 10)

	ext := &scriptedExtractor{fn: func(int) ([]float32, error) { return []float32{1, 0}, nil }}
	idx := newRecordingIndex()
	p, cur := newTestPipeline(t, testConfig(src), idx, ext)

	// Simulate a previous run that completed the first four files.
	ctx := context.Background()
	for _, path := range paths[:4] {
		fi, err := os.Stat(path)
		require.NoError(t, err)
		mtime := float64(fi.ModTime().UnixNano()) / 1e9
		require.NoError(t, cur.SetDone(ctx, path, mtime, imaging.PointID(path, mtime)))
	}

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Processed)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 6, ext.callCount())
}

func TestRunRecordsNoFaceFailures(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTestImages(t, src, 4)

	var mu sync.Mutex
	failed := 0
	ext := &scriptedExtractor{fn: func(call int) ([]float32, error) {
		mu.Lock()
		defer mu.Unlock()
		if failed == 0 {
			failed++
			return nil, inference.ErrNoFace
		}
		return []float32{1, 0}, nil
	}}
	idx := newRecordingIndex()

	cfg := testConfig(src)
	cfg.ErrorCSV = filepath.Join(t.TempDir(), "ingest_errors.csv")
	p, cur := newTestPipeline(t, cfg, idx, ext)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	counts, err := cur.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[cursor.StatusFailed])

	csvData, err := os.ReadFile(cfg.ErrorCSV)
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "no_face_or_error")
}

func TestRunSkipsUndecodableFiles(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTestImages(t, src, 3)
	require.NoError(t, os.WriteFile(filepath.Join(src, "broken.jpg"), []byte("junk"), 0o644))

	ext := &scriptedExtractor{fn: func(int) ([]float32, error) { return []float32{1, 0}, nil }}
	idx := newRecordingIndex()
	p, _ := newTestPipeline(t, testConfig(src), idx, ext)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunAbortsOnCorruptedResource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTestImages(t, src, 5)

	ext := &scriptedExtractor{fn: func(int) ([]float32, error) { return nil, inference.ErrCorrupted }}
	idx := newRecordingIndex()
	p, cur := newTestPipeline(t, testConfig(src), idx, ext)

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, inference.ErrCorrupted)

	// Nothing was marked done; the next run starts over.
	counts, cerr := cur.CountByStatus(context.Background())
	require.NoError(t, cerr)
	assert.Zero(t, counts[cursor.StatusDone])
}

func TestRunWritesThumbnails(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTestImages(t, src, 2)

	ext := &scriptedExtractor{fn: func(int) ([]float32, error) { return []float32{1, 0}, nil }}
	cfg := testConfig(src)
	cfg.ThumbsDir = filepath.Join(t.TempDir(), "thumbs")
	p, _ := newTestPipeline(t, cfg, newRecordingIndex(), ext)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.ThumbsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Regexp(t, `^[0-9a-f]{40}\.jpg$`, e.Name())
	}
}
