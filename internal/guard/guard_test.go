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

package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	g := New()

	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Held())

	require.NoError(t, slot.Release())
	assert.False(t, g.Held())
}

func TestDoubleReleaseReported(t *testing.T) {
	g := New()

	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, slot.Release())
	assert.ErrorIs(t, slot.Release(), ErrSlotReleased)
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	g := New()

	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = slot.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Equal(t, 0, g.Waiters())
}

func TestCancelledWaiterNeverGranted(t *testing.T) {
	g := New()

	slot, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		errc <- err
	}()

	// Let the waiter queue up, then abandon it before releasing.
	for g.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	require.ErrorIs(t, <-errc, ErrAcquireTimeout)

	require.NoError(t, slot.Release())
	assert.False(t, g.Held())
}

func TestFIFOOrder(t *testing.T) {
	g := New()

	first, err := g.Acquire(context.Background())
	require.NoError(t, err)

	const n = 8
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range n {
		// Queue waiters one at a time so arrival order is deterministic.
		wg.Add(1)
		ready := make(chan struct{})
		go func() {
			defer wg.Done()
			close(ready)
			slot, err := g.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			require.NoError(t, slot.Release())
		}()
		<-ready
		for g.Waiters() <= i {
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, first.Release())
	wg.Wait()

	for i := range n {
		assert.Equal(t, i, order[i])
	}
}

func TestSingleSlotInvariantUnderStress(t *testing.T) {
	g := New()

	const callers = 100
	var inside atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := g.Acquire(context.Background())
			require.NoError(t, err)

			cur := inside.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
			require.NoError(t, slot.Release())
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load(), "more than one slot outstanding")
	assert.False(t, g.Held())
	assert.Equal(t, 0, g.Waiters())
}
