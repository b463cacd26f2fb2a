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

// Package retrier wraps inference calls with bounded retries and
// exponential backoff. Failures are classified Transient or Fatal; only
// Transient failures are retried, and every attempt is recorded and fed
// to the health monitor. Backoff sleeps happen with no resource slot
// held — the operation itself acquires and releases the slot per attempt.
package retrier

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/facerunner/internal/logctx"
)

// ErrRetriesExhausted is returned once every allowed attempt has failed
// with a Transient error. It wraps the final attempt's error.
var ErrRetriesExhausted = errors.New("retrier: retries exhausted")

// Class is the retry classification of a failure.
type Class int

const (
	// ClassNone marks a successful attempt.
	ClassNone Class = iota
	// ClassTransient failures (acquire timeout, momentary inference or
	// network error) are retried up to the policy limit.
	ClassTransient
	// ClassFatal failures (bad input, resource corruption) get exactly one
	// attempt and propagate immediately.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier decides how an operation error should be treated. The wiring
// point for the inference client's error taxonomy.
type Classifier func(err error) Class

// AttemptRecord describes one attempt of a logical operation.
type AttemptRecord struct {
	Attempt int // 1-based
	Start   time.Time
	Elapsed time.Duration
	Class   Class
	Err     error
}

// OutcomeSink receives every attempt record. The health monitor implements
// this to watch for fatal-failure streaks.
type OutcomeSink interface {
	ReportOutcome(rec AttemptRecord)
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"` // fraction of the delay, 0..1
}

// DefaultPolicy mirrors the production tuning: three attempts starting at
// 100ms, doubling, capped at 5s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

var (
	meter = otel.Meter("github.com/cardinalhq/facerunner/internal/retrier")

	attemptCounter metric.Int64Counter
)

func init() {
	var err error

	attemptCounter, err = meter.Int64Counter(
		"facerunner.retrier.attempts",
		metric.WithDescription("Operation attempts by classification"),
	)
	if err != nil {
		panic(err)
	}
}

// Executor runs operations under a Policy.
type Executor struct {
	policy   Policy
	classify Classifier
	sink     OutcomeSink

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts an Executor.
type Option func(*Executor)

// WithSleeper replaces the backoff sleep. Test hook.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor builds an Executor. classify must not be nil; sink may be.
func NewExecutor(policy Policy, classify Classifier, sink OutcomeSink, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Factor < 1 {
		policy.Factor = 1
	}
	e := &Executor{
		policy:   policy,
		classify: classify,
		sink:     sink,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Delay returns the backoff before the given 1-based attempt's retry,
// min(base*factor^(attempt-1), cap) plus up to ±jitter of itself.
func (e *Executor) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.policy.BaseDelay) * pow(e.policy.Factor, attempt-1))
	if e.policy.MaxDelay > 0 && d > e.policy.MaxDelay {
		d = e.policy.MaxDelay
	}
	if e.policy.Jitter > 0 {
		spread := float64(d) * e.policy.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func pow(base float64, n int) float64 {
	out := 1.0
	for range n {
		out *= base
	}
	return out
}

// Execute runs op until it succeeds, fails fatally, exhausts the policy,
// or ctx is done. It returns every attempt record alongside the final
// error; records are also streamed to the sink as they happen.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) ([]AttemptRecord, error) {
	ll := logctx.FromContext(ctx)
	records := make([]AttemptRecord, 0, e.policy.MaxAttempts)

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := op(ctx)

		rec := AttemptRecord{
			Attempt: attempt,
			Start:   start,
			Elapsed: time.Since(start),
			Err:     err,
		}
		if err != nil {
			rec.Class = e.classify(err)
		}
		records = append(records, rec)
		attemptCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("class", rec.Class.String())))
		if e.sink != nil {
			e.sink.ReportOutcome(rec)
		}

		if err == nil {
			return records, nil
		}

		switch rec.Class {
		case ClassFatal:
			return records, err
		case ClassTransient:
			if attempt >= e.policy.MaxAttempts {
				return records, errors.Join(ErrRetriesExhausted, err)
			}
		default:
			// Unknown classification does not retry.
			return records, err
		}

		delay := e.Delay(attempt)
		ll.Debug("Retrying after transient failure",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error())
		if serr := e.sleep(ctx, delay); serr != nil {
			return records, errors.Join(ErrRetriesExhausted, serr)
		}
	}
}
