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

package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/facerunner/internal/guard"
	"github.com/cardinalhq/facerunner/internal/retrier"
)

func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoReload = false
	return cfg
}

func fatalRecord() retrier.AttemptRecord {
	return retrier.AttemptRecord{Class: retrier.ClassFatal, Err: errors.New("boom")}
}

func successRecord() retrier.AttemptRecord {
	return retrier.AttemptRecord{Class: retrier.ClassNone}
}

func TestStartsLoading(t *testing.T) {
	m := NewMonitor(manualConfig(), guard.New(), nil)
	assert.Equal(t, StateLoading, m.Current())
	assert.False(t, m.Status().Ready)
}

func TestMarkLoaded(t *testing.T) {
	m := NewMonitor(manualConfig(), guard.New(), nil)

	m.MarkLoaded(nil)
	assert.Equal(t, StateReady, m.Current())
	assert.True(t, m.Status().Ready)
}

func TestMarkLoadedFailure(t *testing.T) {
	m := NewMonitor(manualConfig(), guard.New(), nil)

	m.MarkLoaded(errors.New("model load failed"))
	assert.Equal(t, StateCorrupted, m.Current())
}

func TestFatalStreakDegradesThenCorrupts(t *testing.T) {
	cfg := manualConfig()
	cfg.DegradedStreak = 2
	cfg.CorruptedStreak = 4
	m := NewMonitor(cfg, guard.New(), nil)
	m.MarkLoaded(nil)

	m.ReportOutcome(fatalRecord())
	assert.Equal(t, StateReady, m.Current(), "one fatal outcome is not a streak")

	m.ReportOutcome(fatalRecord())
	assert.Equal(t, StateDegraded, m.Current())

	m.ReportOutcome(fatalRecord())
	assert.Equal(t, StateDegraded, m.Current())

	m.ReportOutcome(fatalRecord())
	assert.Equal(t, StateCorrupted, m.Current())
}

func TestSuccessResetsStreakAndRecoversDegraded(t *testing.T) {
	cfg := manualConfig()
	cfg.DegradedStreak = 2
	cfg.CorruptedStreak = 3
	m := NewMonitor(cfg, guard.New(), nil)
	m.MarkLoaded(nil)

	m.ReportOutcome(fatalRecord())
	m.ReportOutcome(fatalRecord())
	require.Equal(t, StateDegraded, m.Current())

	m.ReportOutcome(successRecord())
	assert.Equal(t, StateReady, m.Current())

	// The streak restarted: two more fatals degrade again, not corrupt.
	m.ReportOutcome(fatalRecord())
	m.ReportOutcome(fatalRecord())
	assert.Equal(t, StateDegraded, m.Current())
}

func TestTransientOutcomesLeaveStreakAlone(t *testing.T) {
	cfg := manualConfig()
	cfg.DegradedStreak = 2
	cfg.CorruptedStreak = 3
	m := NewMonitor(cfg, guard.New(), nil)
	m.MarkLoaded(nil)

	m.ReportOutcome(fatalRecord())
	m.ReportOutcome(retrier.AttemptRecord{Class: retrier.ClassTransient, Err: errors.New("timeout")})
	m.ReportOutcome(fatalRecord())
	assert.Equal(t, StateDegraded, m.Current())
}

func TestTriggerReloadRecovers(t *testing.T) {
	g := guard.New()
	var heldDuringReload bool
	m := NewMonitor(manualConfig(), g, func(ctx context.Context) error {
		heldDuringReload = g.Held()
		return nil
	})
	m.MarkLoaded(errors.New("bad load"))
	require.Equal(t, StateCorrupted, m.Current())

	require.NoError(t, m.TriggerReload(context.Background()))
	assert.Equal(t, StateReady, m.Current())
	assert.True(t, heldDuringReload, "reload must run holding the resource slot")
	assert.False(t, g.Held())
}

func TestTriggerReloadFailureStaysCorrupted(t *testing.T) {
	m := NewMonitor(manualConfig(), guard.New(), func(ctx context.Context) error {
		return errors.New("still broken")
	})
	m.MarkLoaded(errors.New("bad load"))

	require.Error(t, m.TriggerReload(context.Background()))
	assert.Equal(t, StateCorrupted, m.Current())
}

func TestMarkDegradedOnlyFromReady(t *testing.T) {
	m := NewMonitor(manualConfig(), guard.New(), nil)
	m.MarkDegraded("index unreachable")
	assert.Equal(t, StateLoading, m.Current())

	m.MarkLoaded(nil)
	m.MarkDegraded("index unreachable")
	assert.Equal(t, StateDegraded, m.Current())
}

func TestFaultFilterIgnoresInputFatals(t *testing.T) {
	errInput := errors.New("bad input")
	errResource := errors.New("resource fault")

	cfg := manualConfig()
	cfg.DegradedStreak = 2
	cfg.CorruptedStreak = 2
	m := NewMonitor(cfg, guard.New(), nil, WithFaultFilter(func(err error) bool {
		return errors.Is(err, errResource)
	}))
	m.MarkLoaded(nil)

	for range 5 {
		m.ReportOutcome(retrier.AttemptRecord{Class: retrier.ClassFatal, Err: errInput})
	}
	assert.Equal(t, StateReady, m.Current(), "input fatals must not build the streak")

	m.ReportOutcome(retrier.AttemptRecord{Class: retrier.ClassFatal, Err: errResource})
	m.ReportOutcome(retrier.AttemptRecord{Class: retrier.ClassFatal, Err: errResource})
	assert.Equal(t, StateCorrupted, m.Current())
}

func TestDrainingBlocksRecovery(t *testing.T) {
	m := NewMonitor(manualConfig(), guard.New(), nil)
	m.MarkLoaded(nil)

	m.BeginDrain()
	assert.Equal(t, StateDraining, m.Current())
	assert.False(t, m.Status().Ready)

	m.ReportOutcome(successRecord())
	assert.Equal(t, StateDraining, m.Current(), "no transition may skip draining")

	m.MarkStopped()
	assert.Equal(t, StateStopped, m.Current())

	m.MarkLoaded(nil)
	assert.Equal(t, StateStopped, m.Current(), "stopped is terminal")
}
