// ABOUTME: Thin websocket transport to the controller, one connection per agent.
// ABOUTME: Surfaces lifecycle as a tagged Event stream; holds no retry or routing policy.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	maxFrameSize     = 1 << 20 // 1 MiB
)

// EventKind discriminates transport lifecycle events.
type EventKind int

const (
	// EventOpened is emitted once, immediately after a successful dial.
	EventOpened EventKind = iota
	// EventFrame carries one inbound raw frame.
	EventFrame
	// EventErrored reports a read-side transport error. A Closed event follows.
	EventErrored
	// EventClosed is the final event on a connection; the Events channel is
	// closed right after it is delivered.
	EventClosed
)

// Event is the single inbound event type consumed by the agent control loop.
type Event struct {
	Kind   EventKind
	Frame  []byte // EventFrame only
	Code   int    // EventClosed only
	Reason string // EventClosed only
	Err    error  // EventErrored only
}

// Conn is one physical websocket connection. It owns no business state and
// no reconnect policy; the supervisor creates and replaces Conns.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	open    atomic.Bool

	events    chan Event
	closeOnce sync.Once
}

// Dial establishes a connection to the controller. The device identifier is
// attached as a query parameter and the credential, when present, as a
// bearer header. The returned Conn is already emitting events.
func Dial(ctx context.Context, rawURL, deviceID, token string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing controller url: %w", err)
	}
	q := u.Query()
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing controller: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing controller: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := &Conn{
		ws:     ws,
		logger: logger.With("component", "transport"),
		events: make(chan Event, 32),
	}
	c.open.Store(true)

	c.events <- Event{Kind: EventOpened}
	go c.readPump()

	return c, nil
}

// Events returns the lifecycle event stream. The channel is closed after
// the final EventClosed is delivered.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// IsOpen reports whether frames can currently be sent.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// Send marshals v and enqueues it as one text frame. When the connection is
// not open the frame is dropped with a log line; callers tolerate drops.
func (c *Conn) Send(v any) error {
	if !c.open.Load() {
		c.logger.Debug("frame dropped, connection not open")
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("frame write failed", "error", err)
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call from any goroutine and on
// any exit path; the read pump observes the closure and emits the final
// EventClosed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.open.Store(false)

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent closing"))
		c.writeMu.Unlock()

		c.ws.Close()
	})
}

// readPump reads frames until the connection dies, then emits the terminal
// Closed event and closes the event channel.
func (c *Conn) readPump() {
	defer func() {
		c.open.Store(false)
		c.ws.Close()
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code, reason = closeErr.Code, closeErr.Text
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.events <- Event{Kind: EventErrored, Err: err}
			}
			c.open.Store(false)
			c.events <- Event{Kind: EventClosed, Code: code, Reason: reason}
			close(c.events)
			return
		}
		c.events <- Event{Kind: EventFrame, Frame: frame}
	}
}
