// ABOUTME: Tests for heartbeat scheduling: single loop, clean stop, and interval changes.
// ABOUTME: Uses short intervals and counts emissions instead of asserting wall-clock timing.

package heartbeat

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivectl/hive-agent/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSource() stats.Source {
	return stats.Static{Value: stats.Snapshot{BatteryLevel: 80, MemTotalBytes: 1 << 30}}
}

func TestEmitsImmediatelyThenPeriodically(t *testing.T) {
	var count atomic.Int64
	s := New(10*time.Millisecond, testSource(), testLogger())

	s.Start(func(snap stats.Snapshot) {
		assert.Equal(t, 80, snap.BatteryLevel, "emit receives the stats snapshot")
		count.Add(1)
	})
	defer s.Stop()

	require.Eventually(t, func() bool { return count.Load() >= 3 },
		time.Second, time.Millisecond)
}

func TestStopPreventsFurtherHeartbeats(t *testing.T) {
	var count atomic.Int64
	s := New(5*time.Millisecond, testSource(), testLogger())
	s.Start(func(stats.Snapshot) { count.Add(1) })

	require.Eventually(t, func() bool { return count.Load() >= 1 },
		time.Second, time.Millisecond)

	s.Stop()
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "no heartbeat after Stop returns")

	// Stop is idempotent.
	s.Stop()
}

func TestNoOverlappingLoops(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	s := New(5*time.Millisecond, testSource(), testLogger())

	emit := func(stats.Snapshot) {
		mu.Lock()
		seen++
		mu.Unlock()
	}
	s.Start(emit)
	s.Start(emit) // ignored: one loop per open period
	defer s.Stop()

	time.Sleep(26 * time.Millisecond)
	mu.Lock()
	count := seen
	mu.Unlock()
	assert.LessOrEqual(t, count, 8, "a second Start must not double the rate")
}

func TestIntervalChangeTakesEffectNextCycle(t *testing.T) {
	ticks := make(chan time.Time, 16)
	s := New(20*time.Millisecond, testSource(), testLogger())

	s.Start(func(stats.Snapshot) { ticks <- time.Now() })
	defer s.Stop()

	<-ticks // immediate first beat

	// Reconfigure mid-cycle: the already armed timer still fires on the old
	// interval, the one after that uses the new interval.
	s.SetInterval(120 * time.Millisecond)
	assert.Equal(t, 120*time.Millisecond, s.Interval())

	second := <-ticks
	select {
	case third := <-ticks:
		assert.GreaterOrEqual(t, third.Sub(second), 90*time.Millisecond,
			"cycle after the change must use the new interval")
	case <-time.After(2 * time.Second):
		t.Fatal("third heartbeat never fired")
	}
}

func TestSetIntervalRejectsNonPositive(t *testing.T) {
	s := New(time.Second, testSource(), testLogger())
	s.SetInterval(0)
	s.SetInterval(-time.Second)
	assert.Equal(t, time.Second, s.Interval())
}
