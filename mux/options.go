package mux

import (
	"time"

	"github.com/zhubert/agentmux/proc"
	"github.com/zhubert/agentmux/recovery"
	"github.com/zhubert/agentmux/session"
)

// DefaultRequestTimeout is used when a request is routed with no
// explicit timeout.
const DefaultRequestTimeout = 30 * time.Second

// Options configures a Mux. All knobs are supplied by the caller at
// construction time; the orchestrator has no persisted configuration of
// its own. Zero values use the package defaults.
type Options struct {
	// MaxRestartAttempts caps automatic restarts per channel.
	MaxRestartAttempts int

	// BaseDelay is the backoff before the first restart attempt; each
	// subsequent attempt doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// GraceWindow bounds a graceful shutdown before force-kill.
	GraceWindow time.Duration

	// DefaultRequestTimeout applies to requests routed with timeout 0.
	DefaultRequestTimeout time.Duration

	// QueueSize bounds each channel's outbound write queue.
	QueueSize int

	// SubscriberBuffer is each subscriber's independent channel buffer.
	SubscriberBuffer int
}

// withDefaults fills zero fields with the package defaults.
func (o Options) withDefaults() Options {
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = recovery.DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = recovery.DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = recovery.DefaultMaxDelay
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = proc.DefaultGraceWindow
	}
	if o.DefaultRequestTimeout <= 0 {
		o.DefaultRequestTimeout = DefaultRequestTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = session.DefaultQueueSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = session.DefaultSubscriberBuffer
	}
	return o
}

// policy derives the recovery policy from the options.
func (o Options) policy() recovery.Policy {
	return recovery.Policy{Base: o.BaseDelay, Max: o.MaxDelay}
}

// engineOptions derives the per-channel engine options.
func (o Options) engineOptions() session.Options {
	return session.Options{QueueSize: o.QueueSize, SubscriberBuffer: o.SubscriberBuffer}
}
