// ABOUTME: The agent's connection supervisor: connect, serve, back off, reconnect.
// ABOUTME: Owns the single Connection and the retry state; nothing else may create either.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hivectl/hive-agent/internal/config"
	"github.com/hivectl/hive-agent/internal/credstore"
	"github.com/hivectl/hive-agent/internal/heartbeat"
	"github.com/hivectl/hive-agent/internal/logbuf"
	"github.com/hivectl/hive-agent/internal/protocol"
	"github.com/hivectl/hive-agent/internal/stats"
	"github.com/hivectl/hive-agent/internal/transport"
)

// State is the supervisor's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDisconnected
	// StateGivenUp means automatic retries are exhausted. The agent stays
	// alive and honors external revival triggers.
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Conn is the transport surface the supervisor drives. transport.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	Events() <-chan transport.Event
	Send(v any) error
	IsOpen() bool
	Close()
}

// Dialer opens one connection attempt. transport.Dial is the production
// implementation.
type Dialer func(ctx context.Context, url, deviceID, token string, logger *slog.Logger) (Conn, error)

// FrameHandler consumes one inbound raw frame.
type FrameHandler interface {
	Handle(ctx context.Context, raw []byte) error
}

// Scripts is the execution manager surface the supervisor needs for
// shutdown, reboot, and low-battery protection.
type Scripts interface {
	StopAll() int
}

// CredentialSource supplies the persisted token at connect time.
type CredentialSource interface {
	Credential(ctx context.Context, deviceID string) (*credstore.Credential, error)
}

// Params collects the agent's collaborators.
type Params struct {
	Config    *config.Config
	Creds     CredentialSource
	Scripts   Scripts
	Logs      *logbuf.Aggregator
	Heartbeat *heartbeat.Scheduler
	Stats     stats.Source
	Dial      Dialer
	Logger    *slog.Logger
}

// Agent supervises the connection lifecycle and wires the per-connection
// collaborators (heartbeat loop, log sender) on open and close.
type Agent struct {
	cfg     *config.Config
	creds   CredentialSource
	scripts Scripts
	logs    *logbuf.Aggregator
	hb      *heartbeat.Scheduler
	stats   stats.Source
	dial    Dialer
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	retry     retryState
	resetNext bool // next reconnect starts from attempt 0
	handler   FrameHandler

	revive chan struct{}
	policy RetryPolicy
}

// New creates an Agent. The frame handler is attached afterwards via
// SetHandler because the dispatcher needs the agent as its Control.
func New(p Params) *Agent {
	dial := p.Dial
	if dial == nil {
		dial = func(ctx context.Context, url, deviceID, token string, logger *slog.Logger) (Conn, error) {
			return transport.Dial(ctx, url, deviceID, token, logger)
		}
	}
	return &Agent{
		cfg:     p.Config,
		creds:   p.Creds,
		scripts: p.Scripts,
		logs:    p.Logs,
		hb:      p.Heartbeat,
		stats:   p.Stats,
		dial:    dial,
		logger:  p.Logger.With("component", "agent"),
		state:   StateIdle,
		revive:  make(chan struct{}, 1),
		policy: RetryPolicy{
			BaseDelay:   p.Config.Reconnect.BaseDelay,
			MaxDelay:    p.Config.Reconnect.MaxDelay,
			MaxAttempts: p.Config.Reconnect.MaxAttempts,
		},
	}
}

// SetHandler attaches the inbound frame handler. Must be called before Run.
func (a *Agent) SetHandler(h FrameHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// State returns the current supervisor state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Attempt returns the current consecutive-failure count.
func (a *Agent) Attempt() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retry.attempt
}

// Run drives the connect/serve/backoff loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.handler == nil {
		a.mu.Unlock()
		return errors.New("agent: no frame handler attached")
	}
	a.mu.Unlock()

	for {
		if ctx.Err() != nil {
			a.shutdown()
			return nil
		}

		a.setState(StateConnecting)
		conn, err := a.dial(ctx, a.cfg.Controller.URL, a.cfg.Device.ID, a.loadToken(ctx), a.logger)
		if err != nil {
			if ctx.Err() != nil {
				a.shutdown()
				return nil
			}
			if !a.backoff(ctx, err) {
				a.shutdown()
				return nil
			}
			continue
		}

		a.onOpen(conn)
		a.serve(ctx, conn)
		a.onClosed()

		if ctx.Err() != nil {
			a.shutdown()
			return nil
		}

		a.mu.Lock()
		reset := a.resetNext
		a.resetNext = false
		a.mu.Unlock()
		if reset {
			// Explicit reconnect (fresh credential, reboot, revival):
			// start a fresh attempt sequence immediately.
			a.mu.Lock()
			a.retry.reset()
			a.mu.Unlock()
			continue
		}

		if !a.backoff(ctx, errors.New("connection closed")) {
			a.shutdown()
			return nil
		}
	}
}

// Revive is the external revival trigger (network restored, fresh
// credential, operator request). It resets the attempt counter and, from
// GivenUp or a backoff wait, starts a new connection attempt immediately.
func (a *Agent) Revive() {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state == StateOpen || state == StateConnecting {
		return
	}
	select {
	case a.revive <- struct{}{}:
	default:
	}
}

// ForceReconnect closes the current connection so the next attempt uses
// fresh state, with the attempt counter reset. Implements dispatch.Control.
func (a *Agent) ForceReconnect(reason string) {
	a.logger.Info("forcing reconnect", "reason", reason)

	a.mu.Lock()
	a.resetNext = true
	conn := a.conn
	state := a.state
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
		return
	}
	if state == StateGivenUp || state == StateDisconnected {
		select {
		case a.revive <- struct{}{}:
		default:
		}
	}
}

// Reboot force-stops all scripts, resets runtime configuration, and
// restarts the connection state from scratch. Implements dispatch.Control.
func (a *Agent) Reboot() {
	stopped := a.scripts.StopAll()
	a.hb.SetInterval(a.cfg.Heartbeat.Interval)
	a.logs.Append(protocol.NewLogRecord(a.cfg.Device.ID, "",
		fmt.Sprintf("device reboot: stopped %d scripts", stopped)))
	a.logger.Warn("device reboot requested", "scripts_stopped", stopped)
	a.ForceReconnect("device reboot")
}

// Send delivers an outbound frame on the current connection, best-effort.
// Implements dispatch.SendFunc.
func (a *Agent) Send(v any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		a.logger.Debug("outbound frame dropped, no connection")
		return nil
	}
	return conn.Send(v)
}

// backoff records one failure and sleeps before the next attempt. Returns
// false when ctx is cancelled. From GivenUp it blocks until an external
// revival trigger.
func (a *Agent) backoff(ctx context.Context, cause error) bool {
	a.mu.Lock()
	a.retry.failure(time.Now())
	attempt := a.retry.attempt
	exhausted := a.retry.exhausted(a.policy)
	a.mu.Unlock()

	if exhausted {
		a.setState(StateGivenUp)
		a.logger.Error("automatic reconnection exhausted, awaiting revival",
			"attempts", attempt, "cause", cause)
		select {
		case <-ctx.Done():
			return false
		case <-a.revive:
		}
		a.mu.Lock()
		a.retry.reset()
		a.mu.Unlock()
		a.logger.Info("revival trigger received")
		return true
	}

	a.setState(StateDisconnected)
	delay := a.policy.Delay(attempt - 1)
	a.logger.Warn("connection attempt failed, backing off",
		"attempt", attempt, "delay", delay, "cause", cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.revive:
		a.mu.Lock()
		a.retry.reset()
		a.mu.Unlock()
		return true
	case <-timer.C:
		return true
	}
}

// onOpen wires the per-connection collaborators: log delivery, the
// heartbeat loop, and the initial DEVICE_STATS frame.
func (a *Agent) onOpen(conn Conn) {
	a.mu.Lock()
	a.conn = conn
	a.retry.reset()
	a.state = StateOpen
	a.mu.Unlock()

	a.logger.Info("connected to controller", "url", a.cfg.Controller.URL)
	a.logs.Append(protocol.NewLogRecord(a.cfg.Device.ID, "", "agent connected"))
	a.logs.SetSender(func(records []protocol.LogRecord) error {
		if !conn.IsOpen() {
			return errors.New("connection not open")
		}
		return conn.Send(protocol.LogBatch{
			Type:     protocol.TypeLog,
			DeviceID: a.cfg.Device.ID,
			Records:  records,
		})
	})

	snap := a.stats.Snapshot()
	conn.Send(protocol.DeviceStats{
		Type:          protocol.TypeDeviceStats,
		DeviceID:      a.cfg.Device.ID,
		Model:         a.cfg.Device.Model,
		Brand:         a.cfg.Device.Brand,
		SDK:           a.cfg.Device.SDK,
		Resolution:    a.cfg.Device.Resolution,
		BatteryLevel:  snap.BatteryLevel,
		Charging:      snap.Charging,
		MemFreeBytes:  snap.MemFreeBytes,
		MemTotalBytes: snap.MemTotalBytes,
		Ts:            time.Now().UnixMilli(),
	})

	a.hb.Start(func(snap stats.Snapshot) {
		conn.Send(protocol.Heartbeat{
			Type:          protocol.TypeHeartbeat,
			DeviceID:      a.cfg.Device.ID,
			BatteryLevel:  snap.BatteryLevel,
			Charging:      snap.Charging,
			MemFreeBytes:  snap.MemFreeBytes,
			MemTotalBytes: snap.MemTotalBytes,
			Ts:            time.Now().UnixMilli(),
		})
		a.protectBattery(snap)
	})
}

// onClosed unwinds what onOpen wired. Safe on every exit path.
func (a *Agent) onClosed() {
	a.hb.Stop()
	a.logs.ClearSender()

	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()
}

// serve consumes the connection's event stream until the terminal close.
func (a *Agent) serve(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			// Drain to the terminal event so readPump can exit.
			for range conn.Events() {
			}
			return

		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventOpened:
				a.logger.Debug("transport open")
			case transport.EventFrame:
				if err := a.handleFrame(ctx, ev.Frame); err != nil {
					a.logger.Warn("inbound frame dropped", "error", err)
				}
			case transport.EventErrored:
				a.logger.Warn("transport error", "error", ev.Err)
			case transport.EventClosed:
				a.logger.Info("connection closed", "code", ev.Code, "reason", ev.Reason)
			}
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, raw []byte) error {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	return h.Handle(ctx, raw)
}

// protectBattery stops all scripts when the battery drains below the
// configured floor while unplugged.
func (a *Agent) protectBattery(snap stats.Snapshot) {
	floor := a.cfg.Battery.ProtectBelow
	if floor <= 0 || snap.Charging || snap.BatteryLevel < 0 || snap.BatteryLevel > floor {
		return
	}
	if stopped := a.scripts.StopAll(); stopped > 0 {
		a.logger.Warn("low battery protection engaged",
			"battery_level", snap.BatteryLevel, "scripts_stopped", stopped)
		a.logs.Append(protocol.NewLogRecord(a.cfg.Device.ID, "",
			fmt.Sprintf("low battery (%d%%): stopped %d scripts", snap.BatteryLevel, stopped)))
	}
}

// loadToken reads the persisted credential, skipping tokens that are
// provably expired; the controller will push AUTH_REQUIRED in that case.
func (a *Agent) loadToken(ctx context.Context) string {
	cred, err := a.creds.Credential(ctx, a.cfg.Device.ID)
	if err != nil {
		if !errors.Is(err, credstore.ErrNoCredential) {
			a.logger.Warn("reading credential failed", "error", err)
		}
		return ""
	}
	if credstore.TokenExpired(cred.Token) {
		a.logger.Info("stored credential expired, connecting unauthenticated")
		return ""
	}
	return cred.Token
}

// shutdown stops everything the agent owns on process exit.
func (a *Agent) shutdown() {
	a.setState(StateIdle)
	stopped := a.scripts.StopAll()
	if stopped > 0 {
		a.logger.Info("stopped scripts on shutdown", "count", stopped)
	}
	a.logger.Info("agent stopped")
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	old := a.state
	a.state = s
	a.mu.Unlock()
	if old != s {
		a.logger.Debug("state transition", "from", old.String(), "to", s.String())
	}
}
