// ABOUTME: Engine implementation backed by an interpreter subprocess per script.
// ABOUTME: ForceStop kills the whole process group so script children die too.

package script

import (
	"bufio"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

// ProcEngine runs each script as `<interpreter> -c <content>` in its own
// process group. Stdout and stderr lines are fed to the injected log
// callback.
type ProcEngine struct {
	interpreter string
	logger      *slog.Logger
}

// NewProcEngine creates a ProcEngine. An empty interpreter defaults to "sh".
func NewProcEngine(interpreter string, logger *slog.Logger) *ProcEngine {
	if interpreter == "" {
		interpreter = "sh"
	}
	return &ProcEngine{
		interpreter: interpreter,
		logger:      logger.With("component", "procengine"),
	}
}

// Run implements Engine.
func (e *ProcEngine) Run(id, content string, logLine func(string)) (Handle, error) {
	cmd := exec.Command(e.interpreter, "-c", content)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning interpreter: %w", err)
	}
	e.logger.Debug("interpreter spawned", "script_id", id, "pid", cmd.Process.Pid)

	h := &procHandle{cmd: cmd, done: make(chan struct{})}

	var scanners sync.WaitGroup
	for _, pipe := range []struct {
		name string
		r    *bufio.Scanner
	}{
		{"stdout", bufio.NewScanner(stdout)},
		{"stderr", bufio.NewScanner(stderr)},
	} {
		scanners.Add(1)
		go func(sc *bufio.Scanner) {
			defer scanners.Done()
			for sc.Scan() {
				logLine(sc.Text())
			}
		}(pipe.r)
	}

	go func() {
		scanners.Wait()
		h.err = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

type procHandle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// Wait implements Handle.
func (h *procHandle) Wait() error {
	<-h.done
	return h.err
}

// ForceStop implements Handle. Kills the process group; the exit is
// observed by the Wait goroutine.
func (h *procHandle) ForceStop() {
	h.stopOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		// Negative pid targets the process group created with Setpgid.
		syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	})
}
