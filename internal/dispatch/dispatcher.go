// ABOUTME: Routes inbound controller frames to the right component by discriminant.
// ABOUTME: Malformed and unknown frames are dropped with a log line, never a crash.

package dispatch

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hivectl/hive-agent/internal/devauth"
	"github.com/hivectl/hive-agent/internal/protocol"
)

// Scripts is the execution manager surface the dispatcher needs.
type Scripts interface {
	Start(id, content string) error
	Stop(id string) bool
}

// Credentials persists tokens and pushed scripts.
type Credentials interface {
	PutCredential(ctx context.Context, deviceID, token string) error
	SaveScript(ctx context.Context, fileName, content string) error
}

// Authenticator exchanges device identity for a token.
type Authenticator interface {
	Authenticate(ctx context.Context, device devauth.DeviceInfo) (string, error)
}

// HeartbeatConfig mutates the heartbeat schedule.
type HeartbeatConfig interface {
	SetInterval(time.Duration)
}

// Control exposes the supervisor actions a frame may trigger.
type Control interface {
	// ForceReconnect closes the current connection so the next attempt picks
	// up fresh state (e.g. a new credential). Resets the retry counter.
	ForceReconnect(reason string)
	// Reboot force-stops all scripts, drops the connection, and restarts the
	// agent's connection state from scratch.
	Reboot()
}

// Capturer is the optional screenshot capability.
type Capturer interface {
	Capture() ([]byte, error)
}

// SendFunc delivers an outbound frame, best-effort.
type SendFunc func(v any) error

// Dispatcher decodes and routes inbound frames.
type Dispatcher struct {
	device   devauth.DeviceInfo
	scripts  Scripts
	creds    Credentials
	auth     Authenticator
	hb       HeartbeatConfig
	control  Control
	capturer Capturer
	send     SendFunc
	logger   *slog.Logger

	authInFlight atomic.Bool
}

// Params collects the dispatcher's collaborators. Capturer may be nil.
type Params struct {
	Device    devauth.DeviceInfo
	Scripts   Scripts
	Creds     Credentials
	Auth      Authenticator
	Heartbeat HeartbeatConfig
	Control   Control
	Capturer  Capturer
	Send      SendFunc
	Logger    *slog.Logger
}

// New creates a Dispatcher.
func New(p Params) *Dispatcher {
	return &Dispatcher{
		device:   p.Device,
		scripts:  p.Scripts,
		creds:    p.Creds,
		auth:     p.Auth,
		hb:       p.Heartbeat,
		control:  p.Control,
		capturer: p.Capturer,
		send:     p.Send,
		logger:   p.Logger.With("component", "dispatch"),
	}
}

// Handle parses one raw frame and routes it. A protocol.ErrMalformed return
// means the frame was dropped without any state change; the caller logs it.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) error {
	kind, err := protocol.Kind(raw)
	if err != nil {
		return err
	}

	switch kind {
	case protocol.TypeAuthRequired:
		d.handleAuthRequired(ctx)
		return nil

	case protocol.TypeRunScript:
		return d.handleRunScript(raw)

	case protocol.TypeStopScript:
		return d.handleStopScript(raw)

	case protocol.TypeDeviceReboot:
		d.logger.Info("reboot requested by controller")
		d.control.Reboot()
		return nil

	case protocol.TypeHeartbeatAck:
		d.logger.Debug("heartbeat acknowledged")
		return nil

	case protocol.TypeConfigUpdate:
		return d.handleConfigUpdate(raw)

	case protocol.TypeScriptPush:
		return d.handleScriptPush(ctx, raw)

	case protocol.TypeScreenshot:
		return d.handleScreenshot(raw)

	default:
		d.logger.Warn("unrecognized message type, frame dropped", "type", kind)
		return nil
	}
}

// handleAuthRequired triggers one authentication attempt against the HTTP
// endpoint. Repeated AUTH_REQUIRED pushes while an attempt is in flight are
// coalesced; a failed attempt keeps the old credential and is not retried
// until the controller asks again.
func (d *Dispatcher) handleAuthRequired(ctx context.Context) {
	if !d.authInFlight.CompareAndSwap(false, true) {
		d.logger.Debug("authentication already in flight, ignoring push")
		return
	}

	go func() {
		defer d.authInFlight.Store(false)

		token, err := d.auth.Authenticate(ctx, d.device)
		if err != nil {
			d.logger.Warn("authentication failed, keeping previous credential", "error", err)
			return
		}
		if err := d.creds.PutCredential(ctx, d.device.ID, token); err != nil {
			d.logger.Error("storing credential failed", "error", err)
			return
		}
		d.control.ForceReconnect("credential refreshed")
	}()
}

func (d *Dispatcher) handleRunScript(raw []byte) error {
	var msg protocol.RunScript
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	if msg.ScriptID == "" {
		return protocol.ErrMalformed
	}

	if err := d.scripts.Start(msg.ScriptID, msg.Content); err != nil {
		// Already isolated and recorded by the execution manager.
		d.logger.Warn("run script failed", "script_id", msg.ScriptID, "error", err)
	}
	return nil
}

func (d *Dispatcher) handleStopScript(raw []byte) error {
	var msg protocol.StopScript
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	if msg.ScriptID == "" {
		return protocol.ErrMalformed
	}

	if !d.scripts.Stop(msg.ScriptID) {
		d.logger.Debug("stop for unknown script id", "script_id", msg.ScriptID)
	}
	return nil
}

func (d *Dispatcher) handleConfigUpdate(raw []byte) error {
	var msg protocol.ConfigUpdate
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}

	if msg.HeartbeatInterval > 0 {
		d.hb.SetInterval(time.Duration(msg.HeartbeatInterval) * time.Millisecond)
	} else {
		d.logger.Warn("config update carried no recognized fields")
	}
	return nil
}

func (d *Dispatcher) handleScriptPush(ctx context.Context, raw []byte) error {
	var msg protocol.ScriptPush
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	if msg.FileName == "" {
		return protocol.ErrMalformed
	}

	if err := d.creds.SaveScript(ctx, msg.FileName, msg.Content); err != nil {
		d.logger.Error("saving pushed script failed", "file_name", msg.FileName, "error", err)
		return nil
	}

	d.send(protocol.StatusUpdate{
		Type:     protocol.TypeStatusUpdate,
		DeviceID: d.device.ID,
		Message:  "script saved: " + msg.FileName,
		Ts:       time.Now().UnixMilli(),
	})
	return nil
}

func (d *Dispatcher) handleScreenshot(raw []byte) error {
	var msg protocol.Screenshot
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}

	result := protocol.ScreenshotResult{
		Type:      protocol.TypeScreenshotResult,
		RequestID: msg.RequestID,
	}

	if d.capturer == nil {
		result.Error = "screenshot not supported on this device"
	} else if data, err := d.capturer.Capture(); err != nil {
		result.Error = err.Error()
	} else {
		result.Data = base64.StdEncoding.EncodeToString(data)
	}

	d.send(result)
	return nil
}
