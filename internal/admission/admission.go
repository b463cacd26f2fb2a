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

// Package admission bounds how many requests are in flight through the
// whole pipeline. Up to the ceiling are admitted immediately, a bounded
// backlog of further requests queues, and everything beyond that is
// rejected at once so queues never grow without bound. Admission is
// independent of resource-slot occupancy: an admitted request waits for
// the guard without consuming anything but its ticket.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/facerunner/internal/health"
)

var (
	// ErrOverloaded means both the concurrency ceiling and the backlog are
	// exhausted. Cheap to produce: nothing downstream was touched.
	ErrOverloaded = errors.New("admission: overloaded")

	// ErrNotReady means health currently forbids new admissions.
	ErrNotReady = errors.New("admission: resource not ready")

	// ErrTicketReleased reports a second release of the same ticket.
	ErrTicketReleased = errors.New("admission: ticket already released")
)

// Config bounds concurrent admissions.
type Config struct {
	Ceiling int `mapstructure:"ceiling"`
	Backlog int `mapstructure:"backlog"`
}

// DefaultConfig allows 256 concurrent requests with a backlog of 64.
func DefaultConfig() Config {
	return Config{Ceiling: 256, Backlog: 64}
}

// HealthReader is the read-only view of the health state machine the
// controller gates on.
type HealthReader interface {
	Current() health.State
}

var (
	meter = otel.Meter("github.com/cardinalhq/facerunner/internal/admission")

	admitCounter metric.Int64Counter
)

func init() {
	var err error

	admitCounter, err = meter.Int64Counter(
		"facerunner.admission.requests",
		metric.WithDescription("Admission decisions by outcome"),
	)
	if err != nil {
		panic(err)
	}
}

func countAdmit(ctx context.Context, outcome string) {
	admitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Ticket represents one admitted request. Release it when the request
// finishes, successfully or not.
type Ticket struct {
	c        *Controller
	released bool // guarded by c.mu
}

// Controller is the admission gate.
type Controller struct {
	cfg    Config
	health HealthReader

	mu       sync.Mutex
	inFlight int
	waiters  *list.List // of chan *Ticket, each buffered 1
}

// New builds a Controller gated on the given health reader.
func New(cfg Config, hr HealthReader) *Controller {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultConfig().Ceiling
	}
	if cfg.Backlog < 0 {
		cfg.Backlog = 0
	}
	return &Controller{
		cfg:     cfg,
		health:  hr,
		waiters: list.New(),
	}
}

// limit returns the ceiling currently in force. Degraded halves the
// configured ceiling (rounded up, never below one) so a shaky resource
// still serves but sheds most of its load.
func (c *Controller) limit() int {
	if c.health != nil && c.health.Current() == health.StateDegraded {
		half := (c.cfg.Ceiling + 1) / 2
		if half < 1 {
			half = 1
		}
		return half
	}
	return c.cfg.Ceiling
}

// Admit returns a Ticket, queues up to the backlog depth, or fails fast
// with ErrOverloaded / ErrNotReady. Queued callers are granted tickets in
// FIFO order as earlier requests release theirs.
func (c *Controller) Admit(ctx context.Context) (*Ticket, error) {
	if c.health != nil {
		switch c.health.Current() {
		case health.StateReady, health.StateDegraded:
		default:
			countAdmit(ctx, "not_ready")
			return nil, ErrNotReady
		}
	}

	c.mu.Lock()
	if c.inFlight < c.limit() {
		c.inFlight++
		c.mu.Unlock()
		countAdmit(ctx, "admitted")
		return &Ticket{c: c}, nil
	}
	if c.waiters.Len() >= c.cfg.Backlog {
		c.mu.Unlock()
		countAdmit(ctx, "overloaded")
		return nil, ErrOverloaded
	}
	grant := make(chan *Ticket, 1)
	elem := c.waiters.PushBack(grant)
	c.mu.Unlock()

	select {
	case t := <-grant:
		countAdmit(ctx, "admitted_queued")
		return t, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	select {
	case t := <-grant:
		// Grant raced the deadline; hand the capacity straight on.
		c.releaseLocked(t)
	default:
		c.waiters.Remove(elem)
	}
	c.mu.Unlock()
	countAdmit(ctx, "deadline")
	return nil, context.Cause(ctx)
}

// Release frees the ticket's capacity, granting it to the oldest queued
// request if the current ceiling allows.
func (t *Ticket) Release() error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.released {
		return ErrTicketReleased
	}
	c.releaseLocked(t)
	return nil
}

// releaseLocked decrements in-flight and performs the FIFO handoff.
// Callers hold c.mu.
func (c *Controller) releaseLocked(t *Ticket) {
	t.released = true
	c.inFlight--

	if c.inFlight < c.limit() {
		if front := c.waiters.Front(); front != nil {
			c.waiters.Remove(front)
			c.inFlight++
			front.Value.(chan *Ticket) <- &Ticket{c: c}
		}
	}
}

// InFlight returns the number of currently admitted requests.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Queued returns the number of requests waiting in the backlog.
func (c *Controller) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}
