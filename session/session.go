// Package session implements the protocol engine wrapping one process
// instance's NDJSON stream: an ordered outbound queue, request/response
// correlation, and a broadcast feed fanned out to any number of
// subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/agentmux/wire"
)

// Sentinel errors surfaced to request callers.
var (
	// ErrRequestTimeout indicates the correlated response did not arrive
	// within the request's deadline.
	ErrRequestTimeout = errors.New("session: request timeout")

	// ErrChannelClosed indicates the channel was closed (or its process
	// ended) while the operation was outstanding.
	ErrChannelClosed = errors.New("session: channel closed")
)

// Defaults for the engine's buffers.
const (
	DefaultQueueSize        = 64
	DefaultSubscriberBuffer = 256
)

// Transport is the byte-stream the engine speaks over. proc.Manager
// satisfies it; tests inject in-memory fakes.
type Transport interface {
	// Lines yields complete inbound lines; closed when the stream ends.
	Lines() <-chan string

	// Write writes one framed outbound message.
	Write(p []byte) error
}

// Options tunes the engine's queue and fan-out buffers. Zero values use
// the defaults.
type Options struct {
	// QueueSize bounds the outbound write queue.
	QueueSize int

	// SubscriberBuffer is each subscriber's independent channel buffer.
	SubscriberBuffer int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return o
}

// result carries a pending request's single resolution.
type result struct {
	msg wire.Message
	err error
}

// pendingRequest ties an outstanding correlation id to its resolution
// channel. Exactly one of response, timeout, or closure resolves it.
type pendingRequest struct {
	id      string
	resolve chan result // buffered 1; written at most once
}

// Subscription is one subscriber's cursor over future broadcast
// messages. No history is replayed. Subscriptions survive a process
// restart — the orchestrator migrates them to the successor engine.
type Subscription struct {
	ch chan wire.Message

	// sendMu serializes delivery against feed closure so ch is never
	// closed while a send is in flight.
	sendMu sync.Mutex

	// ended is closed when the feed is shutting down; a delivery blocked
	// on a full buffer escapes on it.
	ended     chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	id        int
	cancel    func(*Subscription)
	cancelled bool
}

// C returns the subscription's message channel. Closed when the channel
// closes or the subscription is cancelled.
func (s *Subscription) C() <-chan wire.Message {
	return s.ch
}

// Cancel detaches the subscription and closes its channel. Safe to call
// after the owning engine is gone, concurrently with delivery, and
// during a restart migration — a subscription cancelled mid-migration
// is closed instead of adopted.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel(s)
	}
}

// deliver sends one message, giving up if the subscription or the
// engine shuts down first. A full buffer blocks only this
// subscription's send lock, never the engine mutex.
func (s *Subscription) deliver(msg wire.Message, engineDone <-chan struct{}) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.ended:
		return
	default:
	}

	select {
	case s.ch <- msg:
	case <-s.ended:
	case <-engineDone:
	}
}

// closeFeed ends the subscription: an in-flight delivery is released,
// then the channel is closed. Idempotent.
func (s *Subscription) closeFeed() {
	s.closeOnce.Do(func() {
		close(s.ended)
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		close(s.ch)
	})
}

// Engine is the session protocol engine for one process instance.
// The reader loop decodes inbound lines, resolves correlated responses,
// and broadcasts everything else with a per-instance sequence number.
// A single writer goroutine drains the outbound queue so writes never
// block reads.
type Engine struct {
	transport Transport
	opts      Options
	log       *slog.Logger

	outbound chan json.RawMessage

	// broadcastMu serializes fan-outs so every subscriber observes
	// arrival order. Held across deliveries; mu is not.
	broadcastMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
	subs    map[int]*Subscription
	nextSub int
	seq     uint64
	closed  bool

	// done is closed exactly once, by Close.
	done      chan struct{}
	closeOnce sync.Once

	// streamEnded is closed by the reader loop when the transport's line
	// stream closes (the process exited).
	streamEnded chan struct{}

	wg sync.WaitGroup
}

// New creates an engine over the transport and starts its reader and
// writer loops. The engine assigns sequence numbers from zero for this
// process instance.
func New(transport Transport, opts Options, log *slog.Logger) *Engine {
	e := &Engine{
		transport:   transport,
		opts:        opts.withDefaults(),
		log:         log,
		pending:     map[string]*pendingRequest{},
		subs:        map[int]*Subscription{},
		done:        make(chan struct{}),
		streamEnded: make(chan struct{}),
	}
	e.outbound = make(chan json.RawMessage, e.opts.QueueSize)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.readLoop()
	}()
	go func() {
		defer e.wg.Done()
		e.writeLoop()
	}()

	return e
}

// Send enqueues a message for writing. Messages are written in
// submission order. Blocks only when the bounded queue is full; fails
// with ErrChannelClosed once the engine is closed.
func (e *Engine) Send(payload json.RawMessage) error {
	select {
	case <-e.done:
		return ErrChannelClosed
	default:
	}

	select {
	case e.outbound <- payload:
		return nil
	case <-e.done:
		return ErrChannelClosed
	}
}

// Request stamps a fresh correlation id into the payload, enqueues it,
// and blocks until the correlated response arrives, the timeout elapses
// (ErrRequestTimeout), or the channel closes (ErrChannelClosed).
// A non-positive timeout means no deadline; cancellation then comes
// from ctx or channel closure. Only the calling goroutine suspends; the
// shared reader and writer loops are unaffected.
func (e *Engine) Request(ctx context.Context, payload json.RawMessage, timeout time.Duration) (wire.Message, error) {
	id := uuid.NewString()

	stamped, err := wire.StampRequestID(payload, id)
	if err != nil {
		return wire.Message{}, err
	}

	pr := &pendingRequest{
		id:      id,
		resolve: make(chan result, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return wire.Message{}, ErrChannelClosed
	}
	e.pending[id] = pr
	e.mu.Unlock()

	if err := e.Send(stamped); err != nil {
		e.removePending(id)
		return wire.Message{}, err
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case res := <-pr.resolve:
		return res.msg, res.err
	case <-timerC:
		e.removePending(id)
		// The response may have raced the timer; a resolution already
		// delivered wins.
		select {
		case res := <-pr.resolve:
			return res.msg, res.err
		default:
		}
		return wire.Message{}, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
	case <-ctx.Done():
		e.removePending(id)
		select {
		case res := <-pr.resolve:
			return res.msg, res.err
		default:
		}
		return wire.Message{}, ctx.Err()
	case <-e.done:
		return wire.Message{}, ErrChannelClosed
	}
}

// Subscribe registers a new broadcast subscriber. Each subscriber gets
// an independent buffered cursor over future messages; nothing is
// replayed.
func (e *Engine) Subscribe() *Subscription {
	e.mu.Lock()

	sub := &Subscription{
		ch:     make(chan wire.Message, e.opts.SubscriberBuffer),
		ended:  make(chan struct{}),
		cancel: e.unsubscribe,
		id:     e.nextSub,
	}
	e.nextSub++

	if e.closed {
		sub.cancel = nil
		e.mu.Unlock()
		sub.closeFeed()
		return sub
	}

	e.subs[sub.id] = sub
	e.mu.Unlock()
	return sub
}

// Broadcast injects a synthetic message into the subscriber feed,
// assigning it the next sequence number. Used by the orchestrator for
// notifications such as channel restarts; inbound traffic is broadcast
// by the reader loop through the same path.
func (e *Engine) Broadcast(msg wire.Message) {
	e.broadcast(msg)
}

// StreamEnded is closed when the transport's line stream closes, i.e.
// the process's stdout reached EOF.
func (e *Engine) StreamEnded() <-chan struct{} {
	return e.streamEnded
}

// Detach removes and returns all live subscriptions without closing
// their channels, so the orchestrator can migrate them to a successor
// engine across a restart.
func (e *Engine) Detach() []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		sub.mu.Lock()
		sub.cancel = nil
		sub.mu.Unlock()
		subs = append(subs, sub)
	}
	e.subs = map[int]*Subscription{}
	return subs
}

// Adopt re-registers subscriptions detached from a predecessor engine.
// Their cursors continue with this instance's sequence numbering. A
// subscription cancelled while detached is closed instead of adopted.
func (e *Engine) Adopt(subs []*Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.cancelled || e.closed {
			sub.mu.Unlock()
			sub.closeFeed()
			continue
		}
		id := e.nextSub
		e.nextSub++
		sub.id = id
		sub.cancel = e.unsubscribe
		sub.mu.Unlock()
		e.subs[id] = sub
	}
}

// FailPending resolves every outstanding request with the given error.
// Used when the process exits while requests are in flight.
func (e *Engine) FailPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = map[string]*pendingRequest{}
	e.mu.Unlock()

	for _, pr := range pending {
		pr.resolve <- result{err: err}
	}
}

// Close shuts the engine down: outstanding requests fail with
// ErrChannelClosed, subscriber feeds are closed, and the reader and
// writer loops exit. Safe to call multiple times. done is closed before
// any feed teardown, so a fan-out blocked on a full subscriber buffer
// is released rather than waited on.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		subs := e.subs
		e.subs = map[int]*Subscription{}
		e.mu.Unlock()

		e.FailPending(ErrChannelClosed)
		close(e.done)

		for _, sub := range subs {
			sub.mu.Lock()
			sub.cancel = nil
			sub.mu.Unlock()
			sub.closeFeed()
		}
	})
	e.wg.Wait()
}

// unsubscribe removes one subscription and closes its channel.
func (e *Engine) unsubscribe(sub *Subscription) {
	sub.mu.Lock()
	id := sub.id
	sub.mu.Unlock()

	e.mu.Lock()
	_, live := e.subs[id]
	delete(e.subs, id)
	e.mu.Unlock()

	if live {
		sub.closeFeed()
	}
}

// removePending drops a pending entry without resolving it.
func (e *Engine) removePending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// readLoop decodes inbound lines, resolves correlated responses, and
// broadcasts everything else in arrival order.
func (e *Engine) readLoop() {
	defer close(e.streamEnded)

	for line := range e.transport.Lines() {
		msg := wire.Decode(line)

		if msg.Kind == wire.KindDecodeError {
			e.log.Warn("undecodable line from process", "error", msg.DecodeErr, "raw", msg.RawText)
		}

		if msg.RequestID != "" && e.resolvePending(msg) {
			// A correlated response resolves exactly one request and is
			// not additionally broadcast.
			continue
		}

		e.broadcast(msg)
	}

	e.log.Debug("inbound stream ended")
}

// resolvePending resolves the request matching the message's correlation
// id and reports whether a match was found. A response with no matching
// entry is not an error — the caller lets it fall through to broadcast.
func (e *Engine) resolvePending(msg wire.Message) bool {
	e.mu.Lock()
	pr, ok := e.pending[msg.RequestID]
	if ok {
		delete(e.pending, msg.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	pr.resolve <- result{msg: msg}
	return true
}

// broadcast stamps the next sequence number and fans the message out to
// every subscriber. Delivery is ordered and gap-free per subscriber;
// the buffers absorb slow consumers. The engine mutex is held only to
// snapshot state, never across a delivery, so Close and Cancel stay
// reachable behind a blocked subscriber.
func (e *Engine) broadcast(msg wire.Message) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	msg.Seq = e.seq
	e.seq++
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(msg, e.done)
	}
}

// writeLoop drains the outbound queue, framing one message per write.
// It blocks only on its own queue and the transport write, never on
// anything the reader needs.
func (e *Engine) writeLoop() {
	for {
		select {
		case payload := <-e.outbound:
			frame := wire.AppendFrame(nil, payload)
			if err := e.transport.Write(frame); err != nil {
				// The process is gone or going; exit detection and the
				// recovery policy own this failure.
				e.log.Debug("outbound write failed", "error", err)
			}
		case <-e.done:
			return
		}
	}
}
