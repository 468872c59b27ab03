package mux

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/agentmux/logger"
	"github.com/zhubert/agentmux/proc"
	"github.com/zhubert/agentmux/recovery"
	"github.com/zhubert/agentmux/session"
	"github.com/zhubert/agentmux/wire"
)

// Status is a point-in-time snapshot of a channel.
type Status struct {
	ID              string
	State           proc.State
	Pid             int
	RestartAttempts int
	Reason          recovery.Reason
	LastError       string
}

// StateEvent is delivered to state watchers whenever a channel changes
// state.
type StateEvent struct {
	ChannelID string
	State     proc.State
	Reason    recovery.Reason
}

// Mux owns a set of channels, each backed by its own agent process, and
// routes traffic to them by id. Operations on distinct channels never
// block each other.
type Mux struct {
	opts   Options
	policy recovery.Policy

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool
}

// New creates an orchestrator with no channels.
func New(opts Options) *Mux {
	opts = opts.withDefaults()
	return &Mux{
		opts:     opts,
		policy:   opts.policy(),
		channels: make(map[string]*channel),
	}
}

// Open creates a channel and spawns its agent process. An empty id is
// replaced with a generated one; the bound id is returned. Opening an
// id bound to a live channel fails with ErrDuplicateChannel, but an id
// whose channel has reached a terminal Failed state may be reopened,
// which discards the failed channel and starts fresh. If the spawn
// fails no channel exists afterward.
func (m *Mux) Open(id string, spec proc.Spec) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	var failed *channel
	if existing, ok := m.channels[id]; ok {
		if existing.currentState() != proc.StateFailed {
			m.mu.Unlock()
			return "", ErrDuplicateChannel
		}
		failed = existing
	}
	ch := newChannel(id, spec, m)
	m.channels[id] = ch
	m.mu.Unlock()

	if failed != nil {
		failed.close()
	}

	if err := ch.start(); err != nil {
		m.mu.Lock()
		if m.channels[id] == ch {
			delete(m.channels, id)
		}
		m.mu.Unlock()
		ch.close()
		return "", err
	}
	logger.WithComponent("mux").Info("channel opened", "channel_id", id, "path", spec.Path)
	return id, nil
}

// Close tears down the channel: the process is stopped gracefully, all
// outstanding requests fail with session.ErrChannelClosed, and message
// and state feeds are closed.
func (m *Mux) Close(id string) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}
	ch.close()
	logger.WithComponent("mux").Info("channel closed", "channel_id", id)
	return nil
}

// Send queues a one-way message to the channel's process.
func (m *Mux) Send(id string, payload json.RawMessage) error {
	ch, err := m.channel(id)
	if err != nil {
		return err
	}
	return ch.send(payload)
}

// Request sends a correlated request and blocks until the matching
// response arrives, the timeout elapses, the context is cancelled, or
// the channel dies. A zero timeout uses the orchestrator default.
func (m *Mux) Request(ctx context.Context, id string, payload json.RawMessage, timeout time.Duration) (wire.Message, error) {
	ch, err := m.channel(id)
	if err != nil {
		return wire.Message{}, err
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultRequestTimeout
	}
	return ch.request(ctx, payload, timeout)
}

// Interrupt delivers a cooperative interrupt: a control message on the
// wire followed by SIGINT to the process.
func (m *Mux) Interrupt(id string) error {
	ch, err := m.channel(id)
	if err != nil {
		return err
	}
	return ch.interrupt()
}

// Subscribe attaches an independent reader to the channel's broadcast
// feed. Subscriptions survive automatic restarts of the underlying
// process.
func (m *Mux) Subscribe(id string) (*session.Subscription, error) {
	ch, err := m.channel(id)
	if err != nil {
		return nil, err
	}
	return ch.subscribe()
}

// WatchState attaches an observer to the channel's state transitions.
// The returned cancel detaches it.
func (m *Mux) WatchState(id string) (<-chan StateEvent, func(), error) {
	ch, err := m.channel(id)
	if err != nil {
		return nil, nil, err
	}
	events, cancel := ch.watch()
	return events, cancel, nil
}

// Status reports a snapshot of the channel.
func (m *Mux) Status(id string) (Status, error) {
	ch, err := m.channel(id)
	if err != nil {
		return Status{}, err
	}
	return ch.status(), nil
}

// ReapOrphans kills tagged agent processes left behind by a previous
// supervisor run. Processes belonging to currently live channels are
// spared. Returns the number of processes killed.
func (m *Mux) ReapOrphans() (int, error) {
	known := make(map[string]bool)
	for _, id := range m.Channels() {
		known[id] = true
	}
	killed, err := proc.CleanupOrphans(known)
	if err != nil {
		return 0, err
	}
	if killed > 0 {
		logger.WithComponent("mux").Info("reaped orphan processes", "count", killed)
	}
	return killed, nil
}

// Channels lists the ids of all channels, sorted.
func (m *Mux) Channels() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown closes every channel through the same path as Close and
// marks the orchestrator closed. Subsequent operations fail with
// ErrClosed or ErrChannelNotFound.
func (m *Mux) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chans := make([]*channel, 0, len(m.channels))
	for id, ch := range m.channels {
		chans = append(chans, ch)
		delete(m.channels, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(c *channel) {
			defer wg.Done()
			c.close()
		}(ch)
	}
	wg.Wait()
	logger.WithComponent("mux").Info("orchestrator shut down", "channels", len(chans))
}

func (m *Mux) channel(id string) (*channel, error) {
	m.mu.RLock()
	ch, ok := m.channels[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}
