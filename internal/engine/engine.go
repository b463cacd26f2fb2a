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

// Package engine ties admission, the resource guard, the retry executor,
// the health monitor, and the vector index into the search request path.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/facerunner/internal/admission"
	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/health"
	"github.com/cardinalhq/facerunner/internal/imaging"
	"github.com/cardinalhq/facerunner/internal/inference"
	"github.com/cardinalhq/facerunner/internal/logctx"
	"github.com/cardinalhq/facerunner/internal/retrier"
	"github.com/cardinalhq/facerunner/internal/vecindex"
)

// Config carries the request-path knobs.
type Config struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TopK           int           `mapstructure:"top_k"`
	MinScore       float64       `mapstructure:"min_score"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheCapacity  uint64        `mapstructure:"cache_capacity"`
}

// DefaultConfig returns the production request-path settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		TopK:           10,
		MinScore:       0.0,
		CacheTTL:       5 * time.Minute,
		CacheCapacity:  512,
	}
}

var (
	meter = otel.Meter("github.com/cardinalhq/facerunner/internal/engine")

	searchDuration metric.Float64Histogram
	cacheCounter   metric.Int64Counter
)

func init() {
	var err error
	if searchDuration, err = meter.Float64Histogram(
		"facerunner.engine.search.duration",
		metric.WithDescription("End to end search latency in seconds"),
	); err != nil {
		panic(fmt.Errorf("failed to create search duration histogram: %w", err))
	}
	if cacheCounter, err = meter.Int64Counter(
		"facerunner.engine.cache",
		metric.WithDescription("Result cache lookups by outcome"),
	); err != nil {
		panic(fmt.Errorf("failed to create cache counter: %w", err))
	}
}

// Engine serializes extraction against the single inference resource and
// answers similarity queries.
type Engine struct {
	cfg       Config
	guard     *guard.Guard
	admit     *admission.Controller
	monitor   *health.Monitor
	extractor inference.Extractor
	index     vecindex.Index
	retry     *retrier.Executor

	cache     *ttlcache.Cache[uint64, []vecindex.Match]
	cacheStop sync.Once

	wg sync.WaitGroup
}

// New wires an Engine from its collaborators. The monitor must already be
// attached to the same guard.
func New(cfg Config, g *guard.Guard, adm *admission.Controller, mon *health.Monitor, ext inference.Extractor, idx vecindex.Index, retry *retrier.Executor) *Engine {
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, []vecindex.Match](cfg.CacheTTL),
		ttlcache.WithCapacity[uint64, []vecindex.Match](cfg.CacheCapacity),
	)
	go cache.Start()
	return &Engine{
		cfg:       cfg,
		guard:     g,
		admit:     adm,
		monitor:   mon,
		extractor: ext,
		index:     idx,
		retry:     retry,
		cache:     cache,
	}
}

// Submit runs one similarity query: admission, serialized extraction with
// retries, then an index search filtered by the similarity floor.
// Identical repeat queries are answered from the result cache without
// touching the inference resource.
func (e *Engine) Submit(ctx context.Context, image []byte) ([]vecindex.Match, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	key := xxhash.Sum64(image)
	ll := logctx.FromContext(ctx).With("image_hash", strconv.FormatUint(key, 16))
	ctx = logctx.WithLogger(ctx, ll)

	if item := e.cache.Get(key); item != nil {
		cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "hit")))
		return item.Value(), nil
	}
	cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "miss")))

	ticket, err := e.admit.Admit(ctx)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	defer func() {
		_ = ticket.Release()
		e.wg.Done()
	}()

	vector, err := e.extract(ctx, image)
	if err != nil {
		return nil, err
	}

	matches, err := e.index.Search(ctx, vector, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	matches = filterByScore(matches, e.cfg.MinScore)

	e.cache.Set(key, matches, ttlcache.DefaultTTL)
	elapsed := time.Since(start)
	searchDuration.Record(ctx, elapsed.Seconds())
	ll.Debug("search completed", "matches", len(matches), "elapsedMs", elapsed.Milliseconds())
	return matches, nil
}

// extract runs one embedding extraction under the retry policy. The guard
// slot is acquired inside each attempt so backoff sleeps never hold the
// resource.
func (e *Engine) extract(ctx context.Context, image []byte) ([]float32, error) {
	prepped, err := imaging.Prepare(image)
	if err != nil {
		return nil, err
	}
	var vector []float32
	_, err = e.retry.Execute(ctx, func(ctx context.Context) error {
		slot, err := e.guard.Acquire(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = slot.Release() }()
		v, err := e.extractor.ExtractEmbedding(ctx, prepped)
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

// Health reports the monitor's current view.
func (e *Engine) Health() health.Status {
	return e.monitor.Status()
}

// Status reports the collection view alongside health.
func (e *Engine) Status(ctx context.Context) (vecindex.Status, health.Status, error) {
	cs, err := e.index.CollectionStatus(ctx)
	if err != nil {
		return vecindex.Status{}, e.monitor.Status(), err
	}
	return cs, e.monitor.Status(), nil
}

// Shutdown drains the engine: new requests are rejected, in-flight ones
// run to completion, then the monitor moves to its terminal state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.monitor.BeginDrain()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.cacheStop.Do(e.cache.Stop)
		return ctx.Err()
	}

	e.cacheStop.Do(e.cache.Stop)
	e.monitor.MarkStopped()
	return nil
}

func filterByScore(in []vecindex.Match, floor float64) []vecindex.Match {
	if floor <= 0 {
		return in
	}
	out := in[:0]
	for _, m := range in {
		if float64(m.Score) >= floor {
			out = append(out, m)
		}
	}
	return out
}
