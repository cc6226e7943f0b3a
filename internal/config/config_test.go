// ABOUTME: Tests for configuration loading, env expansion, defaults, and validation.
// ABOUTME: Writes temporary YAML files and asserts on the parsed Config.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
controller:
  url: ws://controller:9317/agent
  auth_url: http://controller:9317/api/device/auth
device:
  id: dev-1
database:
  path: /tmp/agent.db
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseDelay, cfg.Reconnect.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, cfg.Reconnect.MaxDelay)
	assert.Equal(t, DefaultMaxAttempts, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, DefaultHeartbeat, cfg.Heartbeat.Interval)
	assert.Equal(t, DefaultBatchSize, cfg.Logs.BatchSize)
	assert.Equal(t, DefaultRetention, cfg.Logs.Retention)
	assert.Equal(t, DefaultFlushInterval, cfg.Logs.FlushInterval)
	assert.Equal(t, "sh", cfg.Script.Interpreter)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
controller:
  url: wss://hive.example.com/agent
  auth_url: https://hive.example.com/api/device/auth
device:
  id: dev-42
  model: pixel-8
  brand: google
  sdk: "34"
  resolution: 1080x2400
database:
  path: /var/lib/hive-agent/agent.db
reconnect:
  base_delay: 1s
  max_delay: 10s
  max_attempts: 3
heartbeat:
  interval: 45s
logs:
  batch_size: 20
  flush_interval: 5s
  retention: 200
battery:
  protect_below: 10
script:
  interpreter: bash
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 20, cfg.Logs.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Logs.FlushInterval)
	assert.Equal(t, 200, cfg.Logs.Retention)
	assert.Equal(t, 10, cfg.Battery.ProtectBelow)
	assert.Equal(t, "bash", cfg.Script.Interpreter)
	assert.Equal(t, "pixel-8", cfg.Device.Model)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("HIVE_TEST_DEVICE_ID", "dev-from-env")

	cfg, err := Load(writeConfig(t, `
controller:
  url: ws://controller:9317/agent
  auth_url: http://controller:9317/api/device/auth
device:
  id: ${HIVE_TEST_DEVICE_ID}
database:
  path: /tmp/agent.db
`))
	require.NoError(t, err)
	assert.Equal(t, "dev-from-env", cfg.Device.ID)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing controller url",
			yaml:    "device:\n  id: dev-1\ndatabase:\n  path: /tmp/a.db\ncontroller:\n  auth_url: http://x\n",
			wantErr: "controller.url",
		},
		{
			name:    "http scheme for websocket",
			yaml:    "controller:\n  url: http://x\n  auth_url: http://x\ndevice:\n  id: dev-1\ndatabase:\n  path: /tmp/a.db\n",
			wantErr: "ws:// or wss://",
		},
		{
			name:    "missing device id",
			yaml:    "controller:\n  url: ws://x\n  auth_url: http://x\ndatabase:\n  path: /tmp/a.db\n",
			wantErr: "device.id",
		},
		{
			name:    "missing database path",
			yaml:    "controller:\n  url: ws://x\n  auth_url: http://x\ndevice:\n  id: dev-1\n",
			wantErr: "database.path",
		},
		{
			name:    "battery threshold out of range",
			yaml:    minimalConfig + "battery:\n  protect_below: 120\n",
			wantErr: "protect_below",
		},
		{
			name:    "bad duration",
			yaml:    minimalConfig + "heartbeat:\n  interval: soonish\n",
			wantErr: "heartbeat interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
