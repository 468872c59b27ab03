package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/agentmux/logger"
	"github.com/zhubert/agentmux/proc"
	"github.com/zhubert/agentmux/recovery"
	"github.com/zhubert/agentmux/session"
	"github.com/zhubert/agentmux/wire"
)

const watchBuffer = 64

// channel pairs one agent process with one protocol engine and
// supervises both. A monitor goroutine forwards process state to
// watchers and drives the restart ladder when the process dies
// unexpectedly.
type channel struct {
	id   string
	spec proc.Spec
	mux  *Mux
	log  *slog.Logger

	mu          sync.Mutex
	mgr         *proc.Manager
	eng         *session.Engine
	budget      recovery.Budget
	state       proc.State
	reason      recovery.Reason
	lastErr     string
	stopping    bool
	closed      bool
	watchers    map[int]chan StateEvent
	nextWatcher int

	done chan struct{}
}

func newChannel(id string, spec proc.Spec, m *Mux) *channel {
	spec.ChannelID = id
	return &channel{
		id:       id,
		spec:     spec,
		mux:      m,
		log:      logger.WithChannel(id),
		budget:   recovery.Budget{Cap: m.opts.MaxRestartAttempts},
		state:    proc.StateStopped,
		watchers: make(map[int]chan StateEvent),
		done:     make(chan struct{}),
	}
}

// start spawns the process and protocol engine for a fresh channel.
// A close that raced the spawn wins: the fresh process is torn down and
// nothing is installed.
func (ch *channel) start() error {
	mgr := proc.New(ch.spec, ch.mux.opts.GraceWindow, ch.log)
	eng := session.New(mgr, ch.mux.opts.engineOptions(), ch.log)
	if err := mgr.Start(); err != nil {
		eng.Close()
		return err
	}

	ch.mu.Lock()
	if ch.stopping {
		ch.mu.Unlock()
		mgr.Stop(false)
		eng.Close()
		return session.ErrChannelClosed
	}
	ch.mgr, ch.eng = mgr, eng
	ch.mu.Unlock()

	go ch.monitor()
	return nil
}

// monitor runs for the life of the channel, across restarts. It
// forwards process state transitions to watchers and hands unexpected
// exits to the restart ladder.
func (ch *channel) monitor() {
	for {
		ch.mu.Lock()
		mgr := ch.mgr
		ch.mu.Unlock()

		select {
		case st := <-mgr.States():
			ch.publish(st, recovery.ReasonNone)
		case status := <-mgr.Exit():
			ch.drainStates(mgr)
			if ch.isStopping() {
				return
			}
			if !ch.handleExit(status) {
				return
			}
		case <-ch.done:
			return
		}
	}
}

// drainStates forwards any state transitions the process published
// before exiting, so watchers see Crashed before Restarting or Failed.
func (ch *channel) drainStates(mgr *proc.Manager) {
	for {
		select {
		case st := <-mgr.States():
			ch.publish(st, recovery.ReasonNone)
		default:
			return
		}
	}
}

// handleExit applies the recovery policy to an unexpected exit. It
// returns true if a successor process is running and the monitor should
// continue, false if the channel reached a terminal state.
func (ch *channel) handleExit(status proc.ExitStatus) bool {
	ch.mu.Lock()
	budget := ch.budget
	ch.mu.Unlock()

	decision := ch.mux.policy.Decide(status, budget)
	for {
		if !decision.Recoverable {
			ch.fail(decision.Reason, exitError(status))
			return false
		}

		ch.publish(proc.StateRestarting, recovery.ReasonNone)
		ch.log.Info("restarting channel process",
			"attempt", budget.Used+1, "cap", budget.Cap, "delay", decision.Delay)

		timer := time.NewTimer(decision.Delay)
		select {
		case <-timer.C:
		case <-ch.done:
			timer.Stop()
			return false
		}

		ch.mu.Lock()
		ch.budget.Used++
		budget = ch.budget
		ch.mu.Unlock()

		if ch.respawn(budget.Used) {
			return true
		}
		// The spawn attempt consumed budget just like a crash would.
		decision = ch.mux.policy.Next(budget)
	}
}

// respawn starts a successor process and migrates the protocol engine
// onto it. Subscribers carry over; outstanding requests against the
// dead process fail; sequence numbering restarts at zero with a
// restart notification guaranteed to precede the successor's traffic.
func (ch *channel) respawn(attempt int) bool {
	ch.mu.Lock()
	old := ch.eng
	ch.mu.Unlock()

	subs := old.Detach()
	old.FailPending(fmt.Errorf("process exited: %w", session.ErrChannelClosed))
	old.Close()

	mgr := proc.New(ch.spec, ch.mux.opts.GraceWindow, ch.log)
	eng := session.New(mgr, ch.mux.opts.engineOptions(), ch.log)
	eng.Adopt(subs)
	eng.Broadcast(wire.NewControl("channel_restarted", map[string]any{
		"channel_id": ch.id,
		"attempt":    attempt,
	}))

	if err := mgr.Start(); err != nil {
		ch.log.Error("restart spawn failed", "attempt", attempt, "error", err)
		subs = eng.Detach()
		eng.Close()
		replacement := session.New(newDeadTransport(), ch.mux.opts.engineOptions(), ch.log)
		replacement.Adopt(subs)
		ch.mu.Lock()
		ch.eng = replacement
		ch.setErrLocked(err.Error())
		ch.mu.Unlock()
		return false
	}

	ch.mu.Lock()
	if ch.stopping {
		ch.mu.Unlock()
		mgr.Stop(false)
		eng.Close()
		return false
	}
	ch.mgr, ch.eng = mgr, eng
	ch.mu.Unlock()
	return true
}

// fail parks the channel in its terminal state. The engine stays open
// so subscribers hold their feeds until the channel is closed, but all
// pending requests are failed and a failure notification is broadcast.
func (ch *channel) fail(reason recovery.Reason, cause string) {
	ch.mu.Lock()
	eng := ch.eng
	ch.setErrLocked(cause)
	ch.mu.Unlock()

	eng.FailPending(fmt.Errorf("process exited: %w", session.ErrChannelClosed))
	eng.Broadcast(wire.NewControl("channel_failed", map[string]any{
		"channel_id": ch.id,
		"reason":     reason.String(),
	}))
	ch.publish(proc.StateFailed, reason)
	ch.log.Warn("channel failed", "reason", reason, "cause", cause)
}

// close tears the channel down: stop the process within the grace
// window, fail outstanding requests, end all feeds.
func (ch *channel) close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.stopping = true
	mgr, eng := ch.mgr, ch.eng
	ch.mu.Unlock()

	close(ch.done)
	if mgr != nil {
		mgr.Stop(true)
	}
	if eng != nil {
		eng.Close()
	}
	ch.publish(proc.StateStopped, recovery.ReasonNone)

	ch.mu.Lock()
	for id, w := range ch.watchers {
		close(w)
		delete(ch.watchers, id)
	}
	ch.mu.Unlock()
}

func (ch *channel) send(payload json.RawMessage) error {
	eng, err := ch.route()
	if err != nil {
		return err
	}
	return eng.Send(payload)
}

func (ch *channel) request(ctx context.Context, payload json.RawMessage, timeout time.Duration) (wire.Message, error) {
	eng, err := ch.route()
	if err != nil {
		return wire.Message{}, err
	}
	return eng.Request(ctx, payload, timeout)
}

// route hands back the live engine, rejecting traffic to a channel
// that is closed or parked in its terminal state. Subscriptions are
// still allowed on a failed channel; new traffic is not.
func (ch *channel) route() (*session.Engine, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.eng == nil {
		return nil, session.ErrChannelClosed
	}
	if ch.state == proc.StateFailed {
		return nil, fmt.Errorf("channel failed: %w", session.ErrChannelClosed)
	}
	return ch.eng, nil
}

// interrupt sends the cooperative control message first, then SIGINT.
// Either half may fail independently; the signal is best-effort.
func (ch *channel) interrupt() error {
	eng, err := ch.route()
	if err != nil {
		return err
	}
	msg := wire.NewControl("interrupt", map[string]any{"channel_id": ch.id})
	err = eng.Send(msg.Raw)

	ch.mu.Lock()
	mgr := ch.mgr
	ch.mu.Unlock()
	if mgr != nil {
		if sigErr := mgr.Interrupt(); sigErr != nil && err == nil {
			err = sigErr
		}
	}
	return err
}

func (ch *channel) subscribe() (*session.Subscription, error) {
	ch.mu.Lock()
	closed := ch.closed
	eng := ch.eng
	ch.mu.Unlock()
	if closed || eng == nil {
		return nil, session.ErrChannelClosed
	}
	return eng.Subscribe(), nil
}

func (ch *channel) watch() (<-chan StateEvent, func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	events := make(chan StateEvent, watchBuffer)
	if ch.closed {
		close(events)
		return events, func() {}
	}
	id := ch.nextWatcher
	ch.nextWatcher++
	ch.watchers[id] = events

	cancel := func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if w, ok := ch.watchers[id]; ok {
			delete(ch.watchers, id)
			close(w)
		}
	}
	return events, cancel
}

func (ch *channel) status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	s := Status{
		ID:              ch.id,
		State:           ch.state,
		RestartAttempts: ch.budget.Used,
		Reason:          ch.reason,
		LastError:       ch.lastErr,
	}
	if ch.mgr != nil {
		s.Pid = ch.mgr.Pid()
	}
	return s
}

func (ch *channel) currentState() proc.State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *channel) isStopping() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stopping
}

// publish records the state and fans it out to watchers without
// blocking; a watcher that falls behind its buffer misses events.
func (ch *channel) publish(st proc.State, reason recovery.Reason) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.state = st
	if reason != recovery.ReasonNone {
		ch.reason = reason
	}
	ev := StateEvent{ChannelID: ch.id, State: st, Reason: reason}
	for _, w := range ch.watchers {
		select {
		case w <- ev:
		default:
		}
	}
}

func (ch *channel) setErrLocked(cause string) {
	if cause != "" {
		ch.lastErr = cause
	}
}

func exitError(status proc.ExitStatus) string {
	if tail := status.Stderr; tail != "" {
		return tail
	}
	if status.Signaled {
		return "terminated by signal"
	}
	return fmt.Sprintf("exit code %d", status.Code)
}

// deadTransport backs the engine between a failed respawn attempt and
// either a later successful one or terminal failure. Subscribers stay
// attached; nothing flows.
type deadTransport struct {
	lines chan string
}

func newDeadTransport() deadTransport {
	lines := make(chan string)
	close(lines)
	return deadTransport{lines: lines}
}

func (t deadTransport) Lines() <-chan string { return t.lines }
func (t deadTransport) Write(p []byte) error { return proc.ErrNotRunning }
