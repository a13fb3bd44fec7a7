package events

import "sync"

// Publisher is the minimal event emission contract. The Bus satisfies it
// directly; the scheduler substitutes a Buffer during parallel cohorts so
// each stage's events flush contiguously.
type Publisher interface {
	Publish(Event)
}

// Buffer accumulates events for one stage and replays them to the
// underlying publisher in order on Flush. Safe for use from a single stage
// goroutine plus a flushing scheduler goroutine.
type Buffer struct {
	mu      sync.Mutex
	target  Publisher
	pending []Event
	flushed bool
}

// NewBuffer creates a buffer in front of target.
func NewBuffer(target Publisher) *Buffer {
	return &Buffer{target: target}
}

// Publish appends the event to the buffer, or passes it straight through
// once the buffer has been flushed.
func (b *Buffer) Publish(ev Event) {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		b.target.Publish(ev)
		return
	}
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

// Flush replays all buffered events to the target in publish order and
// switches the buffer to pass-through. Idempotent.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return
	}
	pending := b.pending
	b.pending = nil
	b.flushed = true
	b.mu.Unlock()

	for _, ev := range pending {
		b.target.Publish(ev)
	}
}

// Len returns the number of buffered events. Exported for tests.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
