// Package eventbus carries small in-process signals between components
// that should not import each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one bus signal. Types are dotted names:
// "timelapse.state_changed", "timelapse.capture_failed",
// "coordinator.synced", "maintenance.pruned", "notifier.sent",
// "config.reload", ...
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full buffer drops the event.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish
// runs entirely on the caller.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send against a snapshot so no lock is held while offering.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		offer(ch, e)
	}
}

// offer attempts a non-blocking send. The recover absorbs the send-on-
// closed panic when a subscriber unsubscribes mid-publish.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe to close: offer recovers from the race.
			close(ch)
		})
	}
	return ch, unsub
}
