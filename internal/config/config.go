// ABOUTME: Configuration loading and parsing for hive-agent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hive-agent configuration
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Logs       LogsConfig       `yaml:"logs"`
	Battery    BatteryConfig    `yaml:"battery"`
	Script     ScriptConfig     `yaml:"script"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ControllerConfig holds the controller endpoints
type ControllerConfig struct {
	URL     string `yaml:"url"`      // websocket endpoint, ws:// or wss://
	AuthURL string `yaml:"auth_url"` // HTTP device authentication endpoint
}

// DeviceConfig identifies this device to the controller
type DeviceConfig struct {
	ID         string `yaml:"id"`
	Model      string `yaml:"model"`
	Brand      string `yaml:"brand"`
	SDK        string `yaml:"sdk"`
	Resolution string `yaml:"resolution"`
}

// DatabaseConfig holds local persistence configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ReconnectConfig holds the backoff policy for automatic reconnection
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"-"`
	MaxDelay    time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// HeartbeatConfig holds the initial heartbeat interval; the controller can
// change it at runtime via CONFIG_UPDATE
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// LogsConfig tunes the log aggregator
type LogsConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	Retention     int           `yaml:"retention"`
	FlushInterval time.Duration `yaml:"-"`

	FlushIntervalRaw string `yaml:"flush_interval"`
}

// BatteryConfig holds low-battery protection thresholds
type BatteryConfig struct {
	// ProtectBelow stops all scripts when the battery level drops to this
	// percentage or lower while not charging. Zero disables protection.
	ProtectBelow int `yaml:"protect_below"`
}

// ScriptConfig selects the script interpreter
type ScriptConfig struct {
	Interpreter string `yaml:"interpreter"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for optional fields.
const (
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultMaxAttempts   = 5
	DefaultHeartbeat     = 30 * time.Second
	DefaultBatchSize     = 50
	DefaultRetention     = 500
	DefaultFlushInterval = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeat
	}
	if c.Logs.BatchSize == 0 {
		c.Logs.BatchSize = DefaultBatchSize
	}
	if c.Logs.Retention == 0 {
		c.Logs.Retention = DefaultRetention
	}
	if c.Logs.FlushInterval == 0 {
		c.Logs.FlushInterval = DefaultFlushInterval
	}
	if c.Script.Interpreter == "" {
		c.Script.Interpreter = "sh"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Controller.URL == "" {
		return fmt.Errorf("controller.url is required")
	}
	if !strings.HasPrefix(c.Controller.URL, "ws://") && !strings.HasPrefix(c.Controller.URL, "wss://") {
		return fmt.Errorf("controller.url must be a ws:// or wss:// URL, got %q", c.Controller.URL)
	}
	if c.Controller.AuthURL == "" {
		return fmt.Errorf("controller.auth_url is required")
	}
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Battery.ProtectBelow < 0 || c.Battery.ProtectBelow > 100 {
		return fmt.Errorf("battery.protect_below must be between 0 and 100, got %d", c.Battery.ProtectBelow)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Reconnect.BaseDelayRaw != "" {
		cfg.Reconnect.BaseDelay, err = time.ParseDuration(cfg.Reconnect.BaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing base_delay %q: %w", cfg.Reconnect.BaseDelayRaw, err)
		}
	}

	if cfg.Reconnect.MaxDelayRaw != "" {
		cfg.Reconnect.MaxDelay, err = time.ParseDuration(cfg.Reconnect.MaxDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_delay %q: %w", cfg.Reconnect.MaxDelayRaw, err)
		}
	}

	if cfg.Heartbeat.IntervalRaw != "" {
		cfg.Heartbeat.Interval, err = time.ParseDuration(cfg.Heartbeat.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat interval %q: %w", cfg.Heartbeat.IntervalRaw, err)
		}
	}

	if cfg.Logs.FlushIntervalRaw != "" {
		cfg.Logs.FlushInterval, err = time.ParseDuration(cfg.Logs.FlushIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing flush_interval %q: %w", cfg.Logs.FlushIntervalRaw, err)
		}
	}

	return nil
}
