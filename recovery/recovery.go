// Package recovery decides what happens after a process exit: restart
// with backoff, or give up. It is a pure decision component — the only
// state it consults is the per-channel restart budget passed in.
// Deliberate stops never reach this package; the orchestrator suppresses
// evaluation entirely when a stop is in progress.
package recovery

import (
	"time"

	"github.com/zhubert/agentmux/proc"
)

// Defaults for the restart policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 16 * time.Second
)

// Reason classifies a terminal (non-recoverable) outcome.
type Reason int

const (
	// ReasonNone means the channel has not failed.
	ReasonNone Reason = iota

	// ReasonNormalExit means the process exited cleanly — the session
	// simply ended; there is nothing to recover.
	ReasonNormalExit

	// ReasonRestartsExhausted means the restart budget is spent.
	ReasonRestartsExhausted
)

// String returns a human-readable name for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNormalExit:
		return "normal_exit"
	case ReasonRestartsExhausted:
		return "restarts_exhausted"
	default:
		return "unknown"
	}
}

// Budget is a per-channel restart counter. It is reset only by an
// operator-initiated restart or a clean shutdown; every unexpected exit
// increments Used. Once Used equals Cap, no further automatic restart is
// attempted.
type Budget struct {
	Used int
	Cap  int
}

// Exhausted reports whether the budget is spent.
func (b Budget) Exhausted() bool {
	return b.Used >= b.Cap
}

// Policy computes backoff delays for recoverable exits.
type Policy struct {
	// Base is the delay before the first restart attempt; each
	// subsequent attempt doubles it.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration
}

// Decision is the outcome of evaluating one exit.
type Decision struct {
	// Recoverable is true when the orchestrator should restart the
	// process after Delay.
	Recoverable bool

	// Delay is the backoff to wait before restarting. Zero when not
	// recoverable.
	Delay time.Duration

	// Reason explains a non-recoverable decision.
	Reason Reason
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBaseDelay
	}
	if p.Max <= 0 {
		p.Max = DefaultMaxDelay
	}
	return p
}

// Delay returns the backoff for the given attempt ordinal (0-based):
// min(base * 2^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Decide evaluates an unexpected exit against the budget. A clean exit
// is Fatal(NormalExit) — the session ended on its own and a restart
// would resurrect a finished conversation. Any other exit (non-zero
// code, killed by signal) is recoverable while budget remains.
func (p Policy) Decide(status proc.ExitStatus, budget Budget) Decision {
	if status.Clean() {
		return Decision{Reason: ReasonNormalExit}
	}
	return p.Next(budget)
}

// Next evaluates whether another restart attempt may be made, without
// classifying an exit. Used directly for spawn failures during an
// auto-restart, which consume budget like any other failed start.
func (p Policy) Next(budget Budget) Decision {
	if budget.Exhausted() {
		return Decision{Reason: ReasonRestartsExhausted}
	}
	return Decision{
		Recoverable: true,
		Delay:       p.Delay(budget.Used),
	}
}
