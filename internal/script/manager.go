// ABOUTME: Tracks running script instances: start, hot reload, force-stop, and reaping.
// ABOUTME: Guarantees at most one live instance per id and isolates script faults from the agent.

package script

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivectl/hive-agent/internal/protocol"
)

// ErrEmptyScriptID rejects RUN_SCRIPT commands without an identifier.
var ErrEmptyScriptID = errors.New("script id is empty")

// State is the lifecycle state of a script instance.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Engine is the injected execution capability. Run must return promptly
// after spawning the script; the returned Handle tracks it. Implementations
// must capture script output through logLine and must never let a script
// fault propagate as a panic out of Wait.
type Engine interface {
	Run(id, content string, logLine func(string)) (Handle, error)
}

// Handle controls one spawned execution context.
type Handle interface {
	// Wait blocks until the script exits and returns its fault, if any.
	Wait() error
	// ForceStop preemptively terminates the script. It must not block and
	// must be safe to call more than once.
	ForceStop()
}

// Recorder receives log records produced by the manager and by scripts.
// The log aggregator satisfies this.
type Recorder interface {
	Append(protocol.LogRecord)
}

// ResultFunc reports the terminal status of an instance (best-effort
// outbound SCRIPT_RESULT). May be nil.
type ResultFunc func(scriptID, status, errMsg string)

// Info is a read-only snapshot of one instance.
type Info struct {
	ID        string
	State     State
	StartedAt time.Time
}

type instance struct {
	id        string
	runID     string
	state     State
	startedAt time.Time
	handle    Handle
}

// Manager owns the set of active script instances. All mutation goes
// through Start, Stop, and StopAll; other components only see snapshots.
type Manager struct {
	deviceID string
	engine   Engine
	recorder Recorder
	onResult ResultFunc
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// NewManager creates a Manager around the given engine. onResult may be nil.
func NewManager(deviceID string, engine Engine, recorder Recorder, onResult ResultFunc, logger *slog.Logger) *Manager {
	return &Manager{
		deviceID:  deviceID,
		engine:    engine,
		recorder:  recorder,
		onResult:  onResult,
		logger:    logger.With("component", "script"),
		instances: make(map[string]*instance),
	}
}

// Start runs content under the given id. A running instance with the same
// id is force-stopped first (hot reload), so afterwards exactly one
// instance exists for the id. A spawn failure is isolated: it is recorded
// as a script error and returned for logging, never propagated as a fault
// of the agent.
func (m *Manager) Start(id, content string) error {
	if id == "" {
		return ErrEmptyScriptID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.instances[id]; ok {
		m.stopLocked(cur)
	}

	inst := &instance{
		id:        id,
		runID:     uuid.New().String(),
		state:     StatePending,
		startedAt: time.Now(),
	}
	m.instances[id] = inst

	logLine := func(line string) {
		m.recorder.Append(protocol.NewLogRecord(m.deviceID, id, line))
	}

	handle, err := m.engine.Run(id, content, logLine)
	if err != nil {
		delete(m.instances, id)
		m.record(id, fmt.Sprintf("SCRIPT_ERROR: %v", err))
		m.result(id, protocol.ScriptStatusFailed, err.Error())
		m.logger.Warn("script failed to start", "script_id", id, "error", err)
		return fmt.Errorf("starting script %q: %w", id, err)
	}

	inst.handle = handle
	inst.state = StateRunning
	m.record(id, "script started")
	m.logger.Info("script started", "script_id", id, "run_id", inst.runID)

	go m.reap(inst)
	return nil
}

// Stop force-stops the instance with the given id and evicts it
// immediately. Stopping an unknown id is a no-op: no error, no log record.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return false
	}
	m.stopLocked(inst)
	return true
}

// StopAll force-stops every active instance, e.g. for DEVICE_REBOOT or
// low-battery protection.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.instances)
	for _, inst := range m.instances {
		m.stopLocked(inst)
	}
	return n
}

// stopLocked requests termination and evicts the instance synchronously.
// The underlying teardown may complete later; the reaper recognizes the
// eviction and stays silent.
func (m *Manager) stopLocked(inst *instance) {
	inst.state = StateStopping
	delete(m.instances, inst.id)
	inst.handle.ForceStop()

	inst.state = StateStopped
	m.record(inst.id, "script stopped")
	m.result(inst.id, protocol.ScriptStatusStopped, "")
	m.logger.Info("script stopped", "script_id", inst.id, "run_id", inst.runID)
}

// ListActive returns a snapshot of the active instances, sorted by id.
func (m *Manager) ListActive() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		infos = append(infos, Info{ID: inst.id, State: inst.state, StartedAt: inst.startedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// reap waits for natural completion. If the instance was already evicted by
// Stop or a hot reload, the outcome was reported there and reap is silent.
func (m *Manager) reap(inst *instance) {
	err := waitIsolated(inst.handle)

	m.mu.Lock()
	cur, ok := m.instances[inst.id]
	if !ok || cur != inst {
		m.mu.Unlock()
		return
	}
	delete(m.instances, inst.id)
	m.mu.Unlock()

	if err != nil {
		inst.state = StateFailed
		m.record(inst.id, fmt.Sprintf("SCRIPT_ERROR: %v", err))
		m.result(inst.id, protocol.ScriptStatusFailed, err.Error())
		m.logger.Warn("script failed", "script_id", inst.id, "run_id", inst.runID, "error", err)
		return
	}

	inst.state = StateStopped
	m.record(inst.id, "script exited")
	m.result(inst.id, protocol.ScriptStatusStopped, "")
	m.logger.Info("script exited", "script_id", inst.id, "run_id", inst.runID)
}

// waitIsolated converts a panicking Handle.Wait into a fault so a broken
// engine cannot take the agent down with it.
func waitIsolated(h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	return h.Wait()
}

func (m *Manager) record(scriptID, content string) {
	m.recorder.Append(protocol.NewLogRecord(m.deviceID, scriptID, content))
}

func (m *Manager) result(scriptID, status, errMsg string) {
	if m.onResult != nil {
		m.onResult(scriptID, status, errMsg)
	}
}
