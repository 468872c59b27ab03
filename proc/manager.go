// Package proc manages the lifecycle of one child-process instance:
// spawn, health observation, graceful-then-forced shutdown, and exit
// detection. A Manager is single-use — restarting a channel constructs a
// fresh Manager so the reader/stderr/monitor goroutine trio is never
// reused across process instances.
package proc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zhubert/agentmux/wire"
)

// DefaultGraceWindow is how long a graceful stop waits for the process
// to exit before force-killing it.
const DefaultGraceWindow = 5 * time.Second

// Buffer sizes for the outbound stream channels. Lines is sized so a
// bursty child doesn't immediately block on a consumer doing work.
const (
	lineBuffer  = 256
	stateBuffer = 16
)

// readChunkSize is the stdout read granularity feeding the line framer.
const readChunkSize = 4096

// Manager owns one child-process instance. It spawns the process from an
// immutable Spec, feeds its stdout through a wire.Framer onto the Lines
// channel, exposes stdin via Write, and reports the exit status exactly
// once on the Exit channel. State transitions are published on States.
type Manager struct {
	spec  Spec
	grace time.Duration
	log   *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	state    State
	started  bool
	stopping bool

	stderrTail string

	// stderrDone signals that stderr has been fully drained; monitorExit
	// waits for it so the exit status carries the captured tail.
	stderrDone chan struct{}

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait() again,
	// preventing undefined behavior from double Wait().
	waitDone chan struct{}

	lines  chan string
	states chan State
	exit   chan ExitStatus

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Manager for the given spec. A zero grace duration uses
// DefaultGraceWindow.
func New(spec Spec, grace time.Duration, log *slog.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Manager{
		spec:       spec,
		grace:      grace,
		log:        log,
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
		lines:      make(chan string, lineBuffer),
		states:     make(chan State, stateBuffer),
		exit:       make(chan ExitStatus, 1),
		done:       make(chan struct{}),
	}
}

// Start resolves the executable and spawns the process. Returns
// ErrBinaryNotFound when the executable cannot be resolved and
// ErrSpawnFailed for OS-level spawn errors. On success the process is
// Running and the goroutine trio is live; on failure the Lines channel
// is closed so a consumer attached before Start sees the stream end.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.startLocked(); err != nil {
		m.setStateLocked(StateStopped)
		close(m.lines)
		return err
	}
	return nil
}

func (m *Manager) startLocked() error {
	m.setStateLocked(StateStarting)

	resolved, err := exec.LookPath(m.spec.Path)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBinaryNotFound, m.spec.Path, err)
	}

	cmd := exec.Command(resolved, m.spec.argv()...)
	cmd.Dir = m.spec.Dir
	cmd.Env = m.spec.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		m.log.Error("failed to start process", "path", resolved, "error", err)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.cmd = cmd
	m.stdin = stdin
	m.stdout = stdout
	m.stderr = stderr
	m.started = true
	m.setStateLocked(StateRunning)

	m.log.Info("process started", "path", resolved, "pid", cmd.Process.Pid)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.readOutput()
	}()
	go func() {
		defer m.wg.Done()
		m.drainStderr()
	}()
	go func() {
		defer m.wg.Done()
		m.monitorExit()
	}()

	return nil
}

// Lines returns the channel of complete NDJSON lines read from the
// process's stdout. Closed when the stream ends; a partial trailing line
// with no terminator is discarded, never emitted.
func (m *Manager) Lines() <-chan string {
	return m.lines
}

// States returns the state transition stream. Published best-effort with
// a small buffer; State() always reflects the current value.
func (m *Manager) States() <-chan State {
	return m.states
}

// Exit returns the channel carrying the exit status, delivered exactly
// once per process instance.
func (m *Manager) Exit() <-chan ExitStatus {
	return m.exit
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pid returns the child's process id, or 0 if not running.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Write writes raw bytes to the process stdin. The caller frames
// messages; Write performs a single underlying write per call.
func (m *Manager) Write(p []byte) error {
	m.mu.Lock()
	stdin := m.stdin
	running := m.state == StateRunning
	m.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}

	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("write to process: %w", err)
	}
	return nil
}

// Interrupt sends SIGINT to the process without tearing it down.
func (m *Manager) Interrupt() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning || m.cmd == nil || m.cmd.Process == nil {
		return ErrNotRunning
	}

	m.log.Info("sending SIGINT", "pid", m.cmd.Process.Pid)
	if err := m.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("send interrupt signal: %w", err)
	}
	return nil
}

// Stop terminates the process. When graceful, it closes stdin, sends
// SIGTERM, and waits up to the grace window before force-killing;
// graceful=false kills immediately. Safe to call multiple times.
// The deliberate stop is recorded before any signal is sent so the exit
// is reported as Stopped, never Crashed.
func (m *Manager) Stop(graceful bool) {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	if m.state == StateRunning || m.state == StateStarting {
		m.setStateLocked(StateStopping)
	}

	if m.stdin != nil {
		m.stdin.Close()
		m.stdin = nil
	}
	cmd := m.cmd
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if graceful {
			m.log.Debug("stopping process gracefully", "pid", cmd.Process.Pid, "grace", m.grace)
			cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-m.waitDone:
			case <-time.After(m.grace):
				m.log.Debug("grace window elapsed, force killing", "pid", cmd.Process.Pid)
				cmd.Process.Kill()
				<-m.waitDone
			}
		} else {
			m.log.Debug("force killing process", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			<-m.waitDone
		}
	}

	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	if m.stderr != nil {
		m.stderr.Close()
		m.stderr = nil
	}
	m.cmd = nil
	m.stdout = nil
	m.mu.Unlock()
}

// StderrTail returns the captured stderr content. Complete only after
// the exit status has been delivered.
func (m *Manager) StderrTail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stderrTail
}

// setStateLocked updates the state and publishes it. Caller holds mu.
// Publication is non-blocking: a slow observer sees the latest state via
// State() rather than stalling the lifecycle.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	select {
	case m.states <- s:
	default:
	}
}

// readOutput reads stdout in chunks, frames complete lines, and delivers
// them on the lines channel. Owns closing the lines channel.
func (m *Manager) readOutput() {
	m.mu.Lock()
	stdout := m.stdout
	m.mu.Unlock()

	defer close(m.lines)
	if stdout == nil {
		return
	}

	var framer wire.Framer
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				select {
				case m.lines <- line:
				case <-m.done:
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debug("error reading stdout", "error", err)
			}
			if discarded := framer.Close(); discarded != "" {
				m.log.Debug("discarding partial line at stream end", "bytes", len(discarded))
			}
			return
		}
	}
}

// drainStderr reads all stderr content so it is available for the exit
// report. Runs concurrently with the process — the pipe must be drained
// before cmd.Wait() closes it.
func (m *Manager) drainStderr() {
	defer close(m.stderrDone)

	m.mu.Lock()
	stderr := m.stderr
	m.mu.Unlock()

	if stderr == nil {
		return
	}

	content, err := io.ReadAll(stderr)
	if err != nil {
		m.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(content) > 0 {
		m.mu.Lock()
		m.stderrTail = strings.TrimSpace(string(content))
		m.mu.Unlock()
	}
}

// monitorExit is the sole caller of cmd.Wait(). It waits for stderr to
// finish draining, classifies the exit, updates the state, and delivers
// the status exactly once.
func (m *Manager) monitorExit() {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()

	if cmd == nil {
		close(m.waitDone)
		return
	}

	err := cmd.Wait()
	close(m.waitDone)

	<-m.stderrDone

	status := classifyExit(err)

	m.mu.Lock()
	status.Stderr = m.stderrTail
	deliberate := m.stopping
	if deliberate {
		m.setStateLocked(StateStopped)
	} else {
		m.setStateLocked(StateCrashed)
	}
	m.mu.Unlock()

	m.log.Debug("process exited",
		"code", status.Code,
		"signaled", status.Signaled,
		"deliberate", deliberate,
	)

	m.exit <- status
}

// classifyExit converts a cmd.Wait error into an ExitStatus.
// Code -1 with Signaled set means killed by signal, matching the
// convention of exec.ExitError.
func classifyExit(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signaled: true}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}

	// Wait failed for a non-exit reason (I/O error on the pipes).
	// Treat as an abnormal termination.
	return ExitStatus{Code: -1, Signaled: true}
}
