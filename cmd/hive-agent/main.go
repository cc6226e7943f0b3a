// ABOUTME: Entry point for the hive-agent device daemon
// ABOUTME: Connects to the controller and executes pushed script workloads

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/hivectl/hive-agent/internal/agent"
	"github.com/hivectl/hive-agent/internal/config"
	"github.com/hivectl/hive-agent/internal/credstore"
	"github.com/hivectl/hive-agent/internal/devauth"
	"github.com/hivectl/hive-agent/internal/dispatch"
	"github.com/hivectl/hive-agent/internal/heartbeat"
	"github.com/hivectl/hive-agent/internal/logbuf"
	"github.com/hivectl/hive-agent/internal/protocol"
	"github.com/hivectl/hive-agent/internal/script"
	"github.com/hivectl/hive-agent/internal/stats"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _     _                                    _
| |__ (_)_   _____        __ _  __ _  ___ _ __ | |_
| '_ \| \ \ / / _ \_____ / _' |/ _' |/ _ \ '_ \| __|
| | | | |\ V /  __/_____| (_| | (_| |  __/ | | | |_
|_| |_|_| \_/ \___|      \__,_|\__, |\___|_| |_|\__|
                               |___/
`

const defaultConfig = `controller:
  url: wss://controller.example.com/agent
  auth_url: https://controller.example.com/api/device/auth

device:
  id: ${HIVE_DEVICE_ID}
  model: generic
  brand: generic
  sdk: "0"
  resolution: 0x0

database:
  path: hive-agent.db

reconnect:
  base_delay: 2s
  max_delay: 30s
  max_attempts: 5

heartbeat:
  interval: 30s

logs:
  batch_size: 50
  retention: 500
  flush_interval: 10s

battery:
  protect_below: 0

script:
  interpreter: sh

logging:
  level: info
  format: text
`

// getConfigPath returns the path to the agent config file.
// Priority: HIVE_AGENT_CONFIG env var > XDG_CONFIG_HOME/hive/agent.yaml > ~/.config/hive/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HIVE_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hive", "agent.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hive-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run      Start the agent daemon")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  version  Print the agent version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runAgent(ctx)
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Controller: %s\n", cfg.Controller.URL)
	green.Print("    ▶ ")
	fmt.Printf("Device:     %s\n", cfg.Device.ID)
	fmt.Println()

	logger.Info("starting hive-agent",
		"config", configPath,
		"controller", cfg.Controller.URL,
		"device_id", cfg.Device.ID,
	)

	store, err := credstore.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	aggregator := logbuf.New(logbuf.Options{
		BatchSize:     cfg.Logs.BatchSize,
		FlushInterval: cfg.Logs.FlushInterval,
		Retention:     cfg.Logs.Retention,
	}, logger)

	src := stats.RuntimeSource{}
	hb := heartbeat.New(cfg.Heartbeat.Interval, src, logger)

	// The result callback sends through the agent, which is created after
	// the manager; by the time a script can finish, ag is assigned.
	var ag *agent.Agent
	engine := script.NewProcEngine(cfg.Script.Interpreter, logger)
	mgr := script.NewManager(cfg.Device.ID, engine, aggregator,
		func(scriptID, status, errMsg string) {
			ag.Send(protocol.ScriptResult{
				Type:     protocol.TypeScriptResult,
				DeviceID: cfg.Device.ID,
				ScriptID: scriptID,
				Status:   status,
				Error:    errMsg,
				Ts:       time.Now().UnixMilli(),
			})
		}, logger)

	ag = agent.New(agent.Params{
		Config:    cfg,
		Creds:     store,
		Scripts:   mgr,
		Logs:      aggregator,
		Heartbeat: hb,
		Stats:     src,
		Logger:    logger,
	})

	disp := dispatch.New(dispatch.Params{
		Device: devauth.DeviceInfo{
			ID:         cfg.Device.ID,
			Model:      cfg.Device.Model,
			Brand:      cfg.Device.Brand,
			SDK:        cfg.Device.SDK,
			Resolution: cfg.Device.Resolution,
		},
		Scripts:   mgr,
		Creds:     store,
		Auth:      devauth.New(cfg.Controller.AuthURL, logger),
		Heartbeat: hb,
		Control:   ag,
		Send:      ag.Send,
		Logger:    logger,
	})
	ag.SetHandler(disp)

	go aggregator.Run(ctx)

	return ag.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	fmt.Println("      Edit the controller endpoints and device identity before running.")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
