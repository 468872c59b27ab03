package proc

// State is the lifecycle state of one child-process instance. Transitions
// are driven only by the Manager (and, for StateRestarting/StateFailed,
// by the channel orchestrator that owns it); everything else observes
// states read-only through the Manager's state stream.
type State int

const (
	// StateStopped is the initial and final state.
	StateStopped State = iota

	// StateStarting means spawn is in progress.
	StateStarting

	// StateRunning means the process is alive and its pipes are wired.
	StateRunning

	// StateStopping means a deliberate graceful shutdown is in progress.
	StateStopping

	// StateCrashed means the process exited unexpectedly.
	StateCrashed

	// StateRestarting means the orchestrator is waiting out a backoff
	// delay before spawning a replacement instance.
	StateRestarting

	// StateFailed is the terminal channel-level state after restart
	// exhaustion or a normal exit. Requires explicit caller action.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
