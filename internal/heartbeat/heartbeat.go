// ABOUTME: Periodic liveness scheduler, one loop per open connection period.
// ABOUTME: The interval is re-read before each cycle so CONFIG_UPDATE takes effect next cycle.

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivectl/hive-agent/internal/stats"
)

// DefaultInterval is used when config supplies none.
const DefaultInterval = 30 * time.Second

// EmitFunc is called once per cycle with a fresh stats snapshot. The agent
// builds and sends the HEARTBEAT frame (and applies battery protection)
// inside it.
type EmitFunc func(snap stats.Snapshot)

// Scheduler runs the heartbeat loop. Start and Stop bracket one connection's
// open period; overlapping loops are impossible.
type Scheduler struct {
	intervalMs atomic.Int64
	src        stats.Source
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Scheduler.
func New(interval time.Duration, src stats.Source, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		src:    src,
		logger: logger.With("component", "heartbeat"),
	}
	s.intervalMs.Store(interval.Milliseconds())
	return s
}

// Interval returns the currently configured interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.intervalMs.Load()) * time.Millisecond
}

// SetInterval changes the interval. An in-flight cycle keeps its already
// armed timer; the change applies when the next cycle is scheduled.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		s.logger.Warn("ignoring non-positive heartbeat interval", "interval", d)
		return
	}
	old := s.intervalMs.Swap(d.Milliseconds())
	s.logger.Info("heartbeat interval updated",
		"old_ms", old, "new_ms", d.Milliseconds())
}

// Start launches the loop. A second Start without an intervening Stop is a
// no-op, guaranteeing exactly one loop per open period.
func (s *Scheduler) Start(emit EmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.logger.Warn("heartbeat loop already running, ignoring start")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(ctx, emit, done)
	s.logger.Debug("heartbeat loop started", "interval", s.Interval())
}

// Stop cancels the loop and waits for it to exit, so no heartbeat can fire
// after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Debug("heartbeat loop stopped")
}

func (s *Scheduler) run(ctx context.Context, emit EmitFunc, done chan struct{}) {
	defer close(done)

	for {
		emit(s.src.Snapshot())

		timer := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
