// Package eventbus is an in-process publish/subscribe dispatcher for
// domain events: publish enqueues under a lock, ProcessEvents drains the
// queue and fans each event out to its type's subscribers in subscription
// order.
package eventbus

import (
	"log"
	"sync"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/wire"
)

// Handler observes one event. A handler that panics is isolated: it does
// not prevent other handlers for the same event from running, and does
// not crash the bus.
type Handler func(wire.Event)

// Bus is safe for concurrent Publish calls; ProcessEvents is intended to
// be driven from a single host tick loop.
type Bus struct {
	logger *log.Logger

	mu          sync.Mutex
	queue       []wire.Event
	subscribers map[wire.EventType][]Handler
	processing  bool
}

// New builds an empty bus.
func New(logger *log.Logger) *Bus {
	return &Bus{logger: logger, subscribers: make(map[wire.EventType][]Handler)}
}

// Subscribe registers a handler for one event type. Handlers for the same
// type are invoked in the order they were subscribed.
func (b *Bus) Subscribe(t wire.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// Publish enqueues an event; FIFO per publisher, no cross-type ordering
// guarantee. Never blocks on handler execution.
func (b *Bus) Publish(e wire.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, e)
}

// ProcessEvents drains the queue built up since the last call and
// dispatches each event to its type's subscribers. Reentrant calls (from
// within a handler) are rejected rather than recursing, so one runaway
// handler chain cannot grow the call stack unbounded.
func (b *Bus) ProcessEvents() {
	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		return
	}
	b.processing = true
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.processing = false
		b.mu.Unlock()
	}()

	for _, e := range queue {
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e wire.Event) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subscribers[e.EventType]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, e)
	}
}

func (b *Bus) invoke(h Handler, e wire.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("eventbus: handler for %s panicked: %v", e.EventType, r)
		}
	}()
	h(e)
}

// QueueLen reports the number of events awaiting dispatch.
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
