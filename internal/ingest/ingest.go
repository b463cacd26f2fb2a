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

// Package ingest walks a photo tree and feeds it through the embedding
// extractor into the vector index. Decoding runs on a parallel I/O pool;
// extraction is serialized through the resource guard; index writes are
// batched; progress is durable in the cursor store so an interrupted run
// resumes where it stopped.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/facerunner/internal/cursor"
	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/imaging"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/logctx"
	"github.com/cardinalhq/facerunner/internal/retrier"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

// Config carries the pipeline knobs.
type Config struct {
	SourceDir     string        `mapstructure:"source_dir"`
	ThumbsDir     string        `mapstructure:"thumbs_dir"`
	ErrorCSV      string        `mapstructure:"error_csv"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	IOParallelism int           `mapstructure:"io_parallelism"`
	Resume        bool          `mapstructure:"resume"`
}

// DefaultConfig returns the production ingestion settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1024,
		FlushInterval: 30 * time.Second,
		IOParallelism: 32,
		Resume:        true,
	}
}

// Summary totals one pipeline run.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int
}

var (
	meter = otel.Meter("github.com/cardinalhq/facerunner/internal/ingest")

	itemCounter  metric.Int64Counter
	flushCounter metric.Int64Counter
)

func init() {
	var err error
	if itemCounter, err = meter.Int64Counter(
		"facerunner.ingest.items",
		metric.WithDescription("Ingested items by outcome"),
	); err != nil {
		panic(fmt.Errorf("failed to create ingest item counter: %w", err))
	}
	if flushCounter, err = meter.Int64Counter(
		"facerunner.ingest.flushes",
		metric.WithDescription("Index batch flushes"),
	); err != nil {
		panic(fmt.Errorf("failed to create ingest flush counter: %w", err))
	}
}

// Snapshotter is implemented by indexes that can persist themselves after
// a run.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// item is one decoded photo queued for extraction.
type item struct {
	path    string
	mtime   float64
	prepped []byte
	thumb   []byte
	pointID string
	thumbID string
	dui     string
}

// Pipeline drives one ingestion run.
type Pipeline struct {
	cfg       Config
	cursor    *cursor.Store
	index     vecindex.Index
	extractor inference.Extractor
	guard     *guard.Guard
	retry     *retrier.Executor

	mu        sync.Mutex
	csv       *csv.Writer
	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// New wires a Pipeline from its collaborators.
func New(cfg Config, cur *cursor.Store, idx vecindex.Index, ext inference.Extractor, g *guard.Guard, retry *retrier.Executor) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		cursor:    cur,
		index:     idx,
		extractor: ext,
		guard:     g,
		retry:     retry,
	}
}

// Run walks the source tree and ingests every image under it. Per-item
// failures are recorded and never abort the run; infrastructure failures
// (index writes, cursor writes) do.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	ll := logctx.FromContext(ctx)

	paths, err := scanPaths(p.cfg.SourceDir)
	if err != nil {
		return Summary{}, fmt.Errorf("scan source: %w", err)
	}
	ll.Info("ingestion starting", "source", p.cfg.SourceDir, "files", len(paths))

	if p.cfg.ThumbsDir != "" {
		if err := os.MkdirAll(p.cfg.ThumbsDir, 0o755); err != nil {
			return Summary{}, fmt.Errorf("create thumbs dir: %w", err)
		}
	}

	var csvFile *os.File
	if p.cfg.ErrorCSV != "" {
		csvFile, err = os.OpenFile(p.cfg.ErrorCSV, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return Summary{}, fmt.Errorf("open error csv: %w", err)
		}
		p.csv = csv.NewWriter(csvFile)
	}

	items := make(chan item, 2*p.cfg.IOParallelism)

	prodCtx, prodCancel := context.WithCancel(ctx)
	defer prodCancel()
	g, gctx := errgroup.WithContext(prodCtx)
	g.SetLimit(p.cfg.IOParallelism)
	go func() {
		for _, path := range paths {
			path := path
			g.Go(func() error {
				return p.prepare(gctx, path, items)
			})
		}
		// The producer error, if any, is collected after the consumer
		// drains the channel.
		_ = g.Wait()
		close(items)
	}()

	consumeErr := p.consume(ctx, items)

	// Unblock any producer still queued behind the consumer, then drain
	// so the channel closes.
	prodCancel()
	for range items {
	}
	produceErr := g.Wait()
	if consumeErr != nil && errors.Is(produceErr, context.Canceled) {
		produceErr = nil
	}

	var result *multierror.Error
	result = multierror.Append(result, consumeErr, produceErr)
	if p.csv != nil {
		p.csv.Flush()
		result = multierror.Append(result, p.csv.Error(), csvFile.Close())
	}
	if snap, ok := p.index.(Snapshotter); ok && consumeErr == nil {
		if err := snap.Snapshot(context.WithoutCancel(ctx)); err != nil {
			result = multierror.Append(result, fmt.Errorf("snapshot index: %w", err))
		}
	}

	summary := Summary{
		Processed: int(p.processed.Load()),
		Skipped:   int(p.skipped.Load()),
		Failed:    int(p.failed.Load()),
	}
	ll.Info("ingestion finished",
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	return summary, result.ErrorOrNil()
}

// prepare reads and decodes one file on the I/O pool and queues it for
// extraction. Decode failures are terminal for the item, not the run.
func (p *Pipeline) prepare(ctx context.Context, path string, items chan<- item) error {
	fi, err := os.Stat(path)
	if err != nil {
		p.recordFailure(ctx, path, 0, fmt.Sprintf("stat: %v", err))
		return nil
	}
	mtime := float64(fi.ModTime().UnixNano()) / 1e9

	if p.cfg.Resume {
		entry, found, err := p.cursor.Get(ctx, path)
		if err != nil {
			return fmt.Errorf("cursor get %s: %w", path, err)
		}
		if found && entry.Status == cursor.StatusDone && entry.MTime == mtime {
			p.skipped.Add(1)
			itemCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped")))
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		p.recordFailure(ctx, path, mtime, fmt.Sprintf("read: %v", err))
		return nil
	}
	img, err := imaging.Decode(data)
	if err != nil {
		p.recordFailure(ctx, path, mtime, "decode_error")
		return nil
	}
	prepped, err := imaging.EncodeJPEG(imaging.Normalize(img), 95)
	if err != nil {
		p.recordFailure(ctx, path, mtime, "encode_error")
		return nil
	}
	thumb, err := imaging.Thumbnail(img)
	if err != nil {
		p.recordFailure(ctx, path, mtime, "thumb_error")
		return nil
	}

	it := item{
		path:    path,
		mtime:   mtime,
		prepped: prepped,
		thumb:   thumb,
		pointID: imaging.PointID(path, mtime),
		thumbID: imaging.ThumbID(path, mtime),
		dui:     imaging.DUI(path),
	}
	select {
	case items <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consume is the single extraction loop: it owns the guard discipline and
// the index batch.
func (p *Pipeline) consume(ctx context.Context, items <-chan item) error {
	batch := make([]pendingPoint, 0, p.cfg.BatchSize)
	flushTimer := time.NewTicker(p.cfg.FlushInterval)
	defer flushTimer.Stop()

	for {
		select {
		case it, ok := <-items:
			if !ok {
				return p.flush(ctx, &batch)
			}
			vector, err := p.extract(ctx, it.prepped)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// A corrupted resource fails everything downstream;
				// stop and leave the item pending for the next run.
				if inference.IsResourceFault(err) {
					if ferr := p.flush(ctx, &batch); ferr != nil {
						return ferr
					}
					return fmt.Errorf("inference resource corrupted: %w", err)
				}
				p.recordFailure(ctx, it.path, it.mtime, failureCause(err))
				continue
			}
			if err := p.writeThumb(it); err != nil {
				logctx.FromContext(ctx).Warn("thumbnail write failed", "path", it.path, "error", err.Error())
			}
			batch = append(batch, pendingPoint{
				item: it,
				point: vecindex.Point{
					ID:     it.pointID,
					Vector: vector,
					Payload: vecindex.Payload{
						PointID: it.pointID,
						DUI:     it.dui,
						Path:    it.path,
						ThumbID: it.thumbID,
					},
				},
			})
			if len(batch) >= p.cfg.BatchSize {
				if err := p.flush(ctx, &batch); err != nil {
					return err
				}
			}
		case <-flushTimer.C:
			if err := p.flush(ctx, &batch); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type pendingPoint struct {
	item  item
	point vecindex.Point
}

// extract runs one embedding extraction with the same retry and guard
// discipline as live traffic.
func (p *Pipeline) extract(ctx context.Context, prepped []byte) ([]float32, error) {
	var vector []float32
	_, err := p.retry.Execute(ctx, func(ctx context.Context) error {
		slot, err := p.guard.Acquire(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = slot.Release() }()
		v, err := p.extractor.ExtractEmbedding(ctx, prepped)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// flush upserts the accumulated batch, then durably marks every item done.
// Cursor commits happen only after the index write succeeds, so a crash
// between the two re-processes the batch instead of losing it.
func (p *Pipeline) flush(ctx context.Context, batch *[]pendingPoint) error {
	if len(*batch) == 0 {
		return nil
	}
	points := make([]vecindex.Point, len(*batch))
	for i, pp := range *batch {
		points[i] = pp.point
	}
	if err := p.index.UpsertBatch(ctx, points); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	for _, pp := range *batch {
		if err := p.cursor.SetDone(ctx, pp.item.path, pp.item.mtime, pp.item.pointID); err != nil {
			return fmt.Errorf("cursor done %s: %w", pp.item.path, err)
		}
	}
	p.processed.Add(int64(len(*batch)))
	itemCounter.Add(ctx, int64(len(*batch)), metric.WithAttributes(attribute.String("outcome", "processed")))
	flushCounter.Add(ctx, 1)
	logctx.FromContext(ctx).Debug("batch flushed", "points", len(*batch))
	*batch = (*batch)[:0]
	return nil
}

func (p *Pipeline) writeThumb(it item) error {
	if p.cfg.ThumbsDir == "" {
		return nil
	}
	path := filepath.Join(p.cfg.ThumbsDir, it.thumbID+".jpg")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, it.thumb, 0o644)
}

// recordFailure marks one item permanently failed: cursor row plus a line
// in the error CSV. Cursor write errors are logged, not fatal, so one bad
// item cannot wedge the run.
func (p *Pipeline) recordFailure(ctx context.Context, path string, mtime float64, cause string) {
	p.failed.Add(1)
	itemCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	if err := p.cursor.SetFailed(ctx, path, mtime, cause); err != nil {
		logctx.FromContext(ctx).Error("cursor update failed", "path", path, "error", err.Error())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.csv != nil {
		_ = p.csv.Write([]string{time.Now().UTC().Format(time.RFC3339), path, cause})
	}
}

// failureCause folds an extraction error into the cursor's cause column.
func failureCause(err error) string {
	if inference.Classify(err) == retrier.ClassFatal {
		return "no_face_or_error"
	}
	return fmt.Sprintf("exhausted: %v", err)
}

func scanPaths(root string) ([]string, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		if imaging.IsImage(root) {
			return []string{root}, nil
		}
		return nil, fmt.Errorf("%s is not an image", root)
	}
	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imaging.IsImage(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
