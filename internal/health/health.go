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

// Package health owns the resource health state machine. All transitions
// funnel through the Monitor; everything else reads the state through a
// lock-free Current() and never mutates health directly.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/retrier"
)

// State is the resource health state.
type State int32

const (
	StateLoading State = iota
	StateReady
	StateDegraded
	StateCorrupted
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateCorrupted:
		return "corrupted"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is the externally visible health snapshot.
type Status struct {
	State string `json:"state"`
	Ready bool   `json:"ready"`
}

// Config tunes the failure-streak thresholds. The thresholds are
// operational tuning, not derived invariants, so they are configuration.
type Config struct {
	DegradedStreak  int           `mapstructure:"degraded_streak"`
	CorruptedStreak int           `mapstructure:"corrupted_streak"`
	AutoReload      bool          `mapstructure:"auto_reload"`
	ReloadTimeout   time.Duration `mapstructure:"reload_timeout"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DegradedStreak:  3,
		CorruptedStreak: 5,
		AutoReload:      true,
		ReloadTimeout:   5 * time.Minute,
	}
}

var (
	meter = otel.Meter("github.com/cardinalhq/facerunner/internal/health")

	transitionCounter metric.Int64Counter
	reloadCounter     metric.Int64Counter
)

func init() {
	var err error

	transitionCounter, err = meter.Int64Counter(
		"facerunner.health.transitions",
		metric.WithDescription("Health state transitions by target state"),
	)
	if err != nil {
		panic(err)
	}

	reloadCounter, err = meter.Int64Counter(
		"facerunner.health.reloads",
		metric.WithDescription("Resource reload attempts by outcome"),
	)
	if err != nil {
		panic(err)
	}
}

// Monitor tracks resource health and drives recovery. It is the single
// writer of the state value; reads are lock-free.
type Monitor struct {
	cfg Config

	state atomic.Int32

	mu          sync.Mutex
	fatalStreak int

	guard  *guard.Guard
	reload func(ctx context.Context) error
	fault  func(err error) bool

	reloading atomic.Bool
}

// Option adjusts a Monitor.
type Option func(*Monitor)

// WithFaultFilter restricts which fatal outcomes count toward the
// corruption streak. Without it every fatal outcome counts; with it only
// errors the filter accepts do, so a run of bad inputs cannot condemn a
// healthy resource.
func WithFaultFilter(fault func(err error) bool) Option {
	return func(m *Monitor) { m.fault = fault }
}

// NewMonitor starts in Loading. reload is invoked, holding the resource
// slot, whenever a reload is triggered; it may be nil for read-only setups.
func NewMonitor(cfg Config, g *guard.Guard, reload func(ctx context.Context) error, opts ...Option) *Monitor {
	if cfg.DegradedStreak <= 0 {
		cfg.DegradedStreak = DefaultConfig().DegradedStreak
	}
	if cfg.CorruptedStreak < cfg.DegradedStreak {
		cfg.CorruptedStreak = cfg.DegradedStreak
	}
	m := &Monitor{
		cfg:    cfg,
		guard:  g,
		reload: reload,
	}
	m.state.Store(int32(StateLoading))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the state without locking.
func (m *Monitor) Current() State {
	return State(m.state.Load())
}

// Status reports the state plus whether new work is being admitted at all
// (Degraded still admits, at a reduced ceiling).
func (m *Monitor) Status() Status {
	s := m.Current()
	return Status{
		State: s.String(),
		Ready: s == StateReady || s == StateDegraded,
	}
}

func (m *Monitor) setStateLocked(to State) {
	from := m.Current()
	if from == to {
		return
	}
	// Draining and Stopped are terminal for everything except each other;
	// no recovery transition may skip past a shutdown in progress.
	if from == StateStopped || (from == StateDraining && to != StateStopped) {
		return
	}
	m.state.Store(int32(to))
	transitionCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String())))
	slog.Info("Health state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// MarkLoaded completes initialization: Loading → Ready, or Corrupted if
// the load failed.
func (m *Monitor) MarkLoaded(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		slog.Error("Resource failed to initialize", slog.Any("error", err))
		m.setStateLocked(StateCorrupted)
		return
	}
	m.fatalStreak = 0
	m.setStateLocked(StateReady)
}

// MarkDegraded records a dependency (index) health problem: Ready → Degraded.
func (m *Monitor) MarkDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Current() == StateReady {
		slog.Warn("Dependency unhealthy, degrading", slog.String("reason", reason))
		m.setStateLocked(StateDegraded)
	}
}

// ReportOutcome feeds the transition logic. A single fatal outcome never
// flips health; only a sustained streak does. A clean success recovers a
// Degraded resource and resets the streak.
func (m *Monitor) ReportOutcome(rec retrier.AttemptRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch rec.Class {
	case retrier.ClassNone:
		m.fatalStreak = 0
		if m.Current() == StateDegraded {
			m.setStateLocked(StateReady)
		}
	case retrier.ClassFatal:
		if m.fault != nil && !m.fault(rec.Err) {
			return
		}
		m.fatalStreak++
		switch {
		case m.fatalStreak >= m.cfg.CorruptedStreak:
			m.setStateLocked(StateCorrupted)
			if m.cfg.AutoReload {
				m.kickReload()
			}
		case m.fatalStreak >= m.cfg.DegradedStreak:
			if m.Current() == StateReady {
				m.setStateLocked(StateDegraded)
			}
		}
	case retrier.ClassTransient:
		// Transient failures neither build nor reset the fatal streak.
	}
}

// kickReload launches one background reload. Callers hold m.mu.
func (m *Monitor) kickReload() {
	if m.reload == nil || !m.reloading.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.reloading.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReloadTimeout)
		defer cancel()
		if err := m.TriggerReload(ctx); err != nil {
			slog.Error("Automatic reload failed", slog.Any("error", err))
		}
	}()
}

// TriggerReload forces Corrupted → Loading and runs the reload function
// while holding the resource slot; reloading touches the same resource as
// inference and must not race it. On success the state returns to Ready.
func (m *Monitor) TriggerReload(ctx context.Context) error {
	if m.reload == nil {
		return nil
	}

	m.mu.Lock()
	m.setStateLocked(StateLoading)
	m.mu.Unlock()

	slot, err := m.guard.Acquire(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateCorrupted)
		m.mu.Unlock()
		reloadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "slot_timeout")))
		return err
	}
	err = m.reload(ctx)
	_ = slot.Release()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.setStateLocked(StateCorrupted)
		reloadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return err
	}
	m.fatalStreak = 0
	m.setStateLocked(StateReady)
	reloadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	return nil
}

// BeginDrain rejects new admissions while letting in-flight work finish.
func (m *Monitor) BeginDrain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(StateDraining)
}

// MarkStopped is the terminal transition after draining completes.
func (m *Monitor) MarkStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(StateStopped)
}
