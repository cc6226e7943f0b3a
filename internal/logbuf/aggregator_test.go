// ABOUTME: Tests for the log aggregator's flush triggers and retention policy.
// ABOUTME: Validates size-threshold flush, retained buffers while disconnected, and drop accounting.

package logbuf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivectl/hive-agent/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSender struct {
	mu      sync.Mutex
	batches [][]protocol.LogRecord
	err     error
}

func (c *captureSender) send(records []protocol.LogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, records)
	return nil
}

func (c *captureSender) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func rec(i int) protocol.LogRecord {
	return protocol.NewLogRecord("dev-1", "s1", fmt.Sprintf("line %d", i))
}

func TestAppendFlushesAtBatchSize(t *testing.T) {
	sender := &captureSender{}
	agg := New(Options{BatchSize: 3, Retention: 100}, testLogger())
	agg.SetSender(sender.send)

	agg.Append(rec(1))
	agg.Append(rec(2))
	assert.Equal(t, 0, sender.batchCount(), "below threshold, no flush")

	agg.Append(rec(3))
	require.Equal(t, 1, sender.batchCount())
	assert.Len(t, sender.batches[0], 3)
	assert.Equal(t, 0, agg.Len(), "buffer cleared after flush")
}

func TestBufferRetainedWhileDisconnected(t *testing.T) {
	agg := New(Options{BatchSize: 2, Retention: 100}, testLogger())

	// No sender attached: threshold crossings retain the buffer.
	for i := 0; i < 5; i++ {
		agg.Append(rec(i))
	}
	assert.Equal(t, 5, agg.Len())

	sender := &captureSender{}
	agg.SetSender(sender.send)
	agg.Flush()

	require.Equal(t, 1, sender.batchCount())
	assert.Len(t, sender.batches[0], 5, "entire buffer sent as one batch")
	assert.Equal(t, 0, agg.Len())
}

func TestSendFailureRetainsBuffer(t *testing.T) {
	sender := &captureSender{err: errors.New("connection reset")}
	agg := New(Options{BatchSize: 100, Retention: 100}, testLogger())
	agg.SetSender(sender.send)

	agg.Append(rec(1))
	agg.Flush()
	assert.Equal(t, 1, agg.Len(), "failed flush keeps records buffered")

	sender.err = nil
	agg.Flush()
	assert.Equal(t, 0, agg.Len())
	assert.Equal(t, 1, sender.batchCount())
}

func TestRetentionDropsOldest(t *testing.T) {
	agg := New(Options{BatchSize: 1000, Retention: 10}, testLogger())

	for i := 0; i < 25; i++ {
		agg.Append(rec(i))
	}

	assert.Equal(t, 10, agg.Len(), "never exceeds retention ceiling")
	assert.Equal(t, uint64(15), agg.Dropped())

	sender := &captureSender{}
	agg.SetSender(sender.send)
	agg.Flush()
	require.Equal(t, 1, sender.batchCount())
	assert.Equal(t, "line 15", sender.batches[0][0].Content, "oldest dropped, newest kept")
	assert.Equal(t, "line 24", sender.batches[0][9].Content)
}

func TestTimerFlush(t *testing.T) {
	sender := &captureSender{}
	agg := New(Options{BatchSize: 1000, FlushInterval: 10 * time.Millisecond, Retention: 100}, testLogger())
	agg.SetSender(sender.send)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.Append(rec(1))

	require.Eventually(t, func() bool {
		return sender.batchCount() == 1
	}, time.Second, 5*time.Millisecond, "timer should flush a sub-threshold buffer")
}
