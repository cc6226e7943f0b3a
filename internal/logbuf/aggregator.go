// ABOUTME: Batched, backpressure-aware buffer for log records headed to the controller.
// ABOUTME: Flushes on a size threshold or timer; bounds retained records while disconnected.

package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hivectl/hive-agent/internal/protocol"
)

// Defaults for the flush and retention policy.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 10 * time.Second
	DefaultRetention     = 500
)

// SendFunc delivers one batch to the controller. It is only invoked while a
// connection is believed open; a non-nil error keeps the batch buffered.
type SendFunc func(records []protocol.LogRecord) error

// Aggregator buffers LogRecords in insertion order and flushes them as
// batches. While no sender is attached the buffer is retained up to the
// retention ceiling, beyond which the oldest records are dropped.
type Aggregator struct {
	batchSize     int
	flushInterval time.Duration
	retention     int
	logger        *slog.Logger

	mu      sync.Mutex
	buf     []protocol.LogRecord
	sender  SendFunc
	dropped uint64
}

// Options tunes the aggregator. Zero fields fall back to defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Retention     int
}

// New creates an Aggregator with no sender attached.
func New(opts Options, logger *slog.Logger) *Aggregator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Aggregator{
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		retention:     opts.Retention,
		logger:        logger.With("component", "logbuf"),
	}
}

// Append adds a record to the buffer. Reaching the batch threshold triggers
// an immediate flush attempt; exceeding the retention ceiling evicts the
// oldest records.
func (a *Aggregator) Append(rec protocol.LogRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, rec)
	if over := len(a.buf) - a.retention; over > 0 {
		a.buf = a.buf[over:]
		a.dropped += uint64(over)
		a.logger.Warn("retention ceiling reached, dropped oldest records",
			"dropped", over, "total_dropped", a.dropped)
	}

	if len(a.buf) >= a.batchSize {
		a.flushLocked()
	}
}

// Run flushes on a timer until ctx is cancelled. Exactly one Run loop should
// be active for the lifetime of the agent process.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush attempts to send the entire buffer as one batch. With no sender
// attached (or on send failure) the buffer is retained for the next
// opportunity.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

func (a *Aggregator) flushLocked() {
	if len(a.buf) == 0 || a.sender == nil {
		return
	}

	batch := make([]protocol.LogRecord, len(a.buf))
	copy(batch, a.buf)

	if err := a.sender(batch); err != nil {
		a.logger.Debug("flush failed, retaining buffer", "records", len(batch), "error", err)
		return
	}

	a.buf = a.buf[:0]
	a.logger.Debug("flushed log batch", "records", len(batch))
}

// SetSender attaches the delivery function for an open connection.
func (a *Aggregator) SetSender(send SendFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sender = send
}

// ClearSender detaches delivery, e.g. when the connection closes. Buffered
// records are retained up to the retention ceiling.
func (a *Aggregator) ClearSender() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sender = nil
}

// Dropped reports how many records have been evicted by the retention
// policy since startup.
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Len reports the number of currently buffered records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
