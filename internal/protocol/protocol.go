// ABOUTME: Wire frame types exchanged between the agent and the controller.
// ABOUTME: Every frame is a UTF-8 JSON object discriminated by its "type" field.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when an inbound frame cannot be parsed or is
// missing required fields. Malformed frames are dropped without side effects.
var ErrMalformed = errors.New("malformed message")

// Frame discriminants. Inbound means controller → agent.
const (
	TypeAuthRequired     = "AUTH_REQUIRED"     // inbound: (re)authenticate against the HTTP endpoint
	TypeRunScript        = "RUN_SCRIPT"        // inbound: start (or hot-reload) a script instance
	TypeStopScript       = "STOP_SCRIPT"       // inbound: force-stop a script instance
	TypeDeviceReboot     = "DEVICE_REBOOT"     // inbound: stop everything and restart the agent state
	TypeHeartbeatAck     = "HEARTBEAT_ACK"     // inbound: liveness confirmation, no-op
	TypeConfigUpdate     = "CONFIG_UPDATE"     // inbound: runtime config mutation
	TypeScriptPush       = "SCRIPT_PUSH"       // inbound: persist a script file without running it
	TypeScreenshot       = "SCREENSHOT"        // inbound: request a screen capture
	TypeHeartbeat        = "HEARTBEAT"         // outbound: periodic liveness + device snapshot
	TypeDeviceStats      = "DEVICE_STATS"      // outbound: device stats snapshot
	TypeLog              = "LOG"               // outbound: batched log records
	TypeStatusUpdate     = "STATUS_UPDATE"     // outbound: human-readable agent status line
	TypeScriptResult     = "SCRIPT_RESULT"     // outbound: terminal state of a script instance
	TypeScreenshotResult = "SCREENSHOT_RESULT" // outbound: reply to SCREENSHOT
)

// Envelope carries only the discriminant, used as the first decode pass.
type Envelope struct {
	Type string `json:"type"`
}

// Kind extracts the discriminant from a raw frame.
// Returns ErrMalformed if the frame is not a JSON object or has no type.
func Kind(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type field", ErrMalformed)
	}
	return env.Type, nil
}

// Decode unmarshals a raw frame into the given typed message.
// Any JSON error is reported as ErrMalformed.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// RunScript starts a new script instance, replacing any running instance
// with the same id (hot reload).
type RunScript struct {
	Type     string `json:"type"`
	ScriptID string `json:"scriptId"`
	Content  string `json:"content"`
}

// StopScript force-stops the instance with the given id. Stopping an
// unknown id is a no-op.
type StopScript struct {
	Type     string `json:"type"`
	ScriptID string `json:"scriptId"`
}

// ConfigUpdate mutates runtime configuration. Zero-valued fields are
// left unchanged.
type ConfigUpdate struct {
	Type              string `json:"type"`
	HeartbeatInterval int64  `json:"heartbeatInterval"` // milliseconds
}

// ScriptPush persists a script file on the device without executing it.
type ScriptPush struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
}

// Screenshot requests a screen capture from the device.
type Screenshot struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Heartbeat is the periodic liveness frame. It carries a battery and
// memory snapshot taken at send time.
type Heartbeat struct {
	Type          string `json:"type"`
	DeviceID      string `json:"deviceId"`
	BatteryLevel  int    `json:"batteryLevel"`
	Charging      bool   `json:"charging"`
	MemFreeBytes  uint64 `json:"memFreeBytes"`
	MemTotalBytes uint64 `json:"memTotalBytes"`
	Ts            int64  `json:"ts"`
}

// DeviceStats describes the device at connection time.
type DeviceStats struct {
	Type          string `json:"type"`
	DeviceID      string `json:"deviceId"`
	Model         string `json:"model"`
	Brand         string `json:"brand"`
	SDK           string `json:"sdk"`
	Resolution    string `json:"resolution"`
	BatteryLevel  int    `json:"batteryLevel"`
	Charging      bool   `json:"charging"`
	MemFreeBytes  uint64 `json:"memFreeBytes"`
	MemTotalBytes uint64 `json:"memTotalBytes"`
	Ts            int64  `json:"ts"`
}

// LogRecord is a single log line attributed to a script (or to the agent
// itself when ScriptID is empty). Immutable once created.
type LogRecord struct {
	DeviceID string `json:"deviceId"`
	ScriptID string `json:"scriptId,omitempty"`
	Content  string `json:"content"`
	Ts       int64  `json:"ts"`
}

// NewLogRecord stamps a record with the current time.
func NewLogRecord(deviceID, scriptID, content string) LogRecord {
	return LogRecord{
		DeviceID: deviceID,
		ScriptID: scriptID,
		Content:  content,
		Ts:       time.Now().UnixMilli(),
	}
}

// LogBatch is the flush unit of the log aggregator: all buffered records
// sent as one frame.
type LogBatch struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"deviceId"`
	Records  []LogRecord `json:"records"`
}

// StatusUpdate is a human-readable status line for the controller UI.
type StatusUpdate struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
	Ts       int64  `json:"ts"`
}

// Script result statuses.
const (
	ScriptStatusStopped = "stopped"
	ScriptStatusFailed  = "failed"
)

// ScriptResult reports the terminal state of a script instance.
type ScriptResult struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	ScriptID string `json:"scriptId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Ts       int64  `json:"ts"`
}

// ScreenshotResult replies to a Screenshot request. Data is base64-encoded
// PNG bytes; Error is set when the capture failed or is unsupported.
type ScreenshotResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}
