package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler receives published events. Handlers must be non-blocking; any
// heavy work belongs on a worker the handler owns.
type Handler func(Event)

// Token identifies a subscription for Unsubscribe.
type Token int

type subscription struct {
	token   Token
	kind    Kind // empty for subscribe-all
	all     bool
	handler Handler
}

// Bus is a single-process typed publish/subscribe fan-out.
//
// Publish is synchronous: every subscriber sees the event before Publish
// returns, in subscription order. Subscriber panics are recovered and
// logged, never propagated to the publisher. Within one session, observers
// therefore see events exactly in publish order.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	next Token
	log  *slog.Logger

	// pubMu serialises deliveries: concurrent publishers (parallel cohort
	// stages) are admitted one event at a time, so every subscriber sees a
	// single totally-ordered stream.
	pubMu sync.Mutex
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{log: slog.Default()}
}

// Subscribe attaches a handler to a single event kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, subscription{token: b.next, kind: kind, handler: handler})
	return b.next
}

// SubscribeAll attaches a handler to every event variant.
func (b *Bus) SubscribeAll(handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, subscription{token: b.next, all: true, handler: handler})
	return b.next
}

// Unsubscribe removes a subscription. Idempotent: unknown tokens are ignored.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.token == token {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all matching subscribers synchronously, in
// subscription order.
func (b *Bus) Publish(ev Event) {
	// Snapshot under the read lock so a handler may subscribe/unsubscribe
	// without deadlocking. Handlers added during a publish see only later
	// events.
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	kind := ev.EventKind()
	for _, s := range subs {
		if !s.all && s.kind != kind {
			continue
		}
		b.deliver(s, ev)
	}
}

// deliver invokes one handler with panic recovery.
func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event subscriber panicked",
				"kind", ev.EventKind(),
				"session_id", ev.EventMeta().SessionID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of active subscriptions.
// Unexported use only in production code paths; exported for tests polling
// instead of sleeping.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
