// Package bus provides an in-process publish/subscribe message bus with
// correlation-keyed request/response support. Agents communicate through
// named targets rather than direct references, which keeps the pipeline,
// workflow, and server loosely coupled even though they share a process.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds Request calls that do not specify a timeout.
const DefaultRequestTimeout = 30 * time.Second

// logCapacity bounds the message log. Oldest entries are evicted first so a
// long-running polling daemon cannot grow without bound.
const logCapacity = 10000

// ErrRequestTimeout is returned when a Request receives no correlated
// response within its timeout.
var ErrRequestTimeout = errors.New("bus: request timed out")

// ErrorTarget is the reserved target that receives handler failure events.
const ErrorTarget = "bus.errors"

// Message is a single bus message. Messages are immutable once published.
type Message struct {
	ID            string
	Type          string
	Source        string
	Target        string
	Payload       any
	CorrelationID string
	Timestamp     time.Time
}

// Handler consumes messages delivered to a subscribed target.
type Handler func(msg Message)

// Bus routes messages between named targets. The zero value is not usable;
// construct with New.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]subscription
	pending  map[string]chan Message // correlation ID -> response channel

	// log is a fixed-capacity ring of every message that passed through
	// the bus, kept for diagnostics.
	log     []Message
	logHead int
	logLen  int
}

type subscription struct {
	id      string
	handler Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		pending:  make(map[string]chan Message),
		log:      make([]Message, logCapacity),
	}
}

// NewMessage constructs a message with a fresh ID and timestamp.
func NewMessage(msgType, source, target string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    source,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Subscribe registers a handler for all messages addressed to target.
// A panicking handler is recovered and reported as a message on ErrorTarget;
// it never takes down the bus or other subscribers.
func (b *Bus) Subscribe(target, subscriberID string, h Handler) {
	b.mu.Lock()
	b.handlers[target] = append(b.handlers[target], subscription{id: subscriberID, handler: h})
	b.mu.Unlock()
}

// Unsubscribe removes all handlers registered under subscriberID for target.
func (b *Bus) Unsubscribe(target, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[target]
	kept := subs[:0]
	for _, s := range subs {
		if s.id != subscriberID {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, target)
	} else {
		b.handlers[target] = kept
	}
}

// Publish appends msg to the log and delivers it to every subscriber of
// msg.Target. Delivery is synchronous and fire-and-forget: there is no
// indication of how many subscribers (if any) received the message.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	b.appendLog(msg)

	// If this message correlates to a pending request, route it to the
	// waiter's private channel before general delivery.
	if msg.CorrelationID != "" {
		if ch, ok := b.pending[msg.CorrelationID]; ok {
			select {
			case ch <- msg:
			default:
				// Waiter already satisfied or gone; drop.
			}
		}
	}

	subs := append([]subscription(nil), b.handlers[msg.Target]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(s, msg)
	}
}

// Request publishes msg and blocks until a response whose CorrelationID
// matches msg.ID arrives, the timeout elapses, or ctx is cancelled. The
// pending registration is removed on every path so abandoned requests do
// not leak.
func (b *Bus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	ch := make(chan Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	b.Publish(msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%w after %s (id=%s target=%s)", ErrRequestTimeout, timeout, msg.ID, msg.Target)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Respond publishes a response correlated to the original request. The
// response is addressed back at the request's source.
func (b *Bus) Respond(original Message, payload any) {
	resp := NewMessage(original.Type+".response", original.Target, original.Source, payload)
	resp.CorrelationID = original.ID
	b.Publish(resp)
}

// Log returns a copy of the retained message log, oldest first.
func (b *Bus) Log() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, b.logLen)
	for i := 0; i < b.logLen; i++ {
		out = append(out, b.log[(b.logHead+i)%logCapacity])
	}
	return out
}

// dispatch invokes a single handler, converting a panic into an error event.
func (b *Bus) dispatch(s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panicked", "subscriber", s.id, "target", msg.Target, "msgID", msg.ID, "panic", r)
			if msg.Target != ErrorTarget {
				b.Publish(NewMessage("handler.error", msg.Target, ErrorTarget, fmt.Sprintf("subscriber %s: %v", s.id, r)))
			}
		}
	}()
	s.handler(msg)
}

// appendLog records msg in the ring. Caller must hold b.mu.
func (b *Bus) appendLog(msg Message) {
	idx := (b.logHead + b.logLen) % logCapacity
	b.log[idx] = msg
	if b.logLen < logCapacity {
		b.logLen++
	} else {
		b.logHead = (b.logHead + 1) % logCapacity
	}
}
