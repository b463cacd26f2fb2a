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

// Package guard serializes access to the single inference resource. The
// model runtime is stateful and not safe under concurrent invocation, so
// every caller (live search or bulk ingestion) must hold the one Slot
// while touching it. Waiters are granted the slot in strict FIFO order.
package guard

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/facerunner/internal/logctx"
)

var (
	// ErrAcquireTimeout is returned when the caller's context expires before
	// the slot frees up.
	ErrAcquireTimeout = errors.New("guard: acquire timed out")

	// ErrSlotReleased reports a second Release of the same slot. This is a
	// caller bug, surfaced loudly rather than swallowed.
	ErrSlotReleased = errors.New("guard: slot already released")
)

var (
	meter = otel.Meter("github.com/cardinalhq/facerunner/internal/guard")

	acquireCounter   metric.Int64Counter
	waitDuration     metric.Float64Histogram
	holdDuration     metric.Float64Histogram
	doubleReleases   metric.Int64Counter
	outcomeAttrOK    = metric.WithAttributes(attribute.String("outcome", "acquired"))
	outcomeAttrTimeo = metric.WithAttributes(attribute.String("outcome", "timeout"))
)

func init() {
	var err error

	acquireCounter, err = meter.Int64Counter(
		"facerunner.guard.acquires",
		metric.WithDescription("Slot acquisition attempts by outcome"),
	)
	if err != nil {
		panic(err)
	}

	waitDuration, err = meter.Float64Histogram(
		"facerunner.guard.wait_seconds",
		metric.WithDescription("Time spent queued for the resource slot"),
	)
	if err != nil {
		panic(err)
	}

	holdDuration, err = meter.Float64Histogram(
		"facerunner.guard.hold_seconds",
		metric.WithDescription("Time the resource slot was held"),
	)
	if err != nil {
		panic(err)
	}

	doubleReleases, err = meter.Int64Counter(
		"facerunner.guard.double_releases",
		metric.WithDescription("Release calls on an already-released slot"),
	)
	if err != nil {
		panic(err)
	}
}

// Slot is the token of exclusive access. Exactly one unreleased Slot exists
// at any instant across the process. Do not copy or share it; release it
// exactly once.
type Slot struct {
	g          *Guard
	acquiredAt time.Time
	released   bool // guarded by g.mu
}

// Guard hands out the single resource slot in FIFO order.
type Guard struct {
	mu      sync.Mutex
	holder  *Slot
	waiters *list.List // of chan *Slot, each buffered 1
}

// New returns a Guard with the slot free.
func New() *Guard {
	return &Guard{waiters: list.New()}
}

// Acquire blocks until the slot is free or ctx is done. The caller's
// deadline bounds queueing time only; compute time is bounded by the
// request deadline upstream. A waiter whose cancellation races a grant
// forwards the slot to the next waiter and still reports the timeout, so
// a cancelled caller never owns the slot.
func (g *Guard) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()

	g.mu.Lock()
	if g.holder == nil && g.waiters.Len() == 0 {
		slot := &Slot{g: g, acquiredAt: start}
		g.holder = slot
		g.mu.Unlock()
		acquireCounter.Add(ctx, 1, outcomeAttrOK)
		waitDuration.Record(ctx, 0)
		return slot, nil
	}

	grant := make(chan *Slot, 1)
	elem := g.waiters.PushBack(grant)
	g.mu.Unlock()

	select {
	case slot := <-grant:
		acquireCounter.Add(ctx, 1, outcomeAttrOK)
		waitDuration.Record(ctx, time.Since(start).Seconds())
		return slot, nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	select {
	case slot := <-grant:
		// The release handed us the slot just as we gave up. Pass it on
		// without ever surfacing it to this caller.
		g.releaseLocked(slot)
	default:
		g.waiters.Remove(elem)
	}
	g.mu.Unlock()

	acquireCounter.Add(ctx, 1, outcomeAttrTimeo)
	logctx.FromContext(ctx).Debug("Resource slot acquire timed out",
		"waited", time.Since(start).String())
	return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, context.Cause(ctx))
}

// Release frees the slot, granting it to the oldest waiter if any. Exactly
// one Release per Slot; further calls return ErrSlotReleased.
func (s *Slot) Release() error {
	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.released {
		doubleReleases.Add(context.Background(), 1)
		logctx.FromContext(context.Background()).Error("Slot released twice")
		return ErrSlotReleased
	}
	holdDuration.Record(context.Background(), time.Since(s.acquiredAt).Seconds())
	g.releaseLocked(s)
	return nil
}

// releaseLocked marks the slot released and performs the FIFO handoff.
// Callers must hold g.mu.
func (g *Guard) releaseLocked(s *Slot) {
	s.released = true
	g.holder = nil

	if front := g.waiters.Front(); front != nil {
		g.waiters.Remove(front)
		next := &Slot{g: g, acquiredAt: time.Now()}
		g.holder = next
		front.Value.(chan *Slot) <- next
	}
}

// Held reports whether the slot is currently owned. Observability only;
// callers must not branch on it for admission decisions.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder != nil
}

// Waiters returns the queued waiter count.
func (g *Guard) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
