package proc

import "errors"

// Sentinel errors surfaced by Manager.Start.
var (
	// ErrBinaryNotFound indicates the executable could not be resolved.
	ErrBinaryNotFound = errors.New("proc: binary not found")

	// ErrSpawnFailed indicates an OS-level spawn failure (permissions,
	// missing working directory).
	ErrSpawnFailed = errors.New("proc: spawn failed")

	// ErrNotRunning indicates a write or signal was attempted against a
	// process that is not running.
	ErrNotRunning = errors.New("proc: process not running")

	// ErrAlreadyStarted indicates Start was called twice. Managers are
	// single-use; a restart constructs a fresh Manager.
	ErrAlreadyStarted = errors.New("proc: manager already started")
)

// ExitStatus describes how one process instance ended. Reported exactly
// once per instance on the Manager's Exit channel.
type ExitStatus struct {
	// Code is the exit code. -1 when the process was killed by a signal.
	Code int

	// Signaled is true when the process was terminated by a signal
	// rather than exiting on its own.
	Signaled bool

	// Stderr is the captured tail of the process's standard error,
	// collected separately from the NDJSON stream.
	Stderr string
}

// Clean reports whether the process ended with exit code 0.
func (e ExitStatus) Clean() bool {
	return e.Code == 0 && !e.Signaled
}
