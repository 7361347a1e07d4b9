package orchestrator

import (
	"reflect"
	"sync"
)

// Handler receives one published event value.
type Handler func(event interface{})

// EventBus is a single-process publish/subscribe bus keyed by event type,
// with synchronous dispatch by default. Subscriptions registered via
// SubscribeAsync run on the shared WorkerPool instead, so a slow handler
// never blocks the publisher. The Orchestrator itself registers no
// handlers; the demo command's only async subscription logs FailureEvents.
// Generalizes the teacher's buffered-channel event dispatch into
// explicit typed subscriptions, per the re-architecture notes in spec.md §9.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[reflect.Type][]Handler
	asyncSubs map[reflect.Type][]Handler
	pool      *WorkerPool
}

// NewEventBus constructs a bus. pool may be nil, in which case
// SubscribeAsync handlers run synchronously too.
func NewEventBus(pool *WorkerPool) *EventBus {
	return &EventBus{
		subs:      make(map[reflect.Type][]Handler),
		asyncSubs: make(map[reflect.Type][]Handler),
		pool:      pool,
	}
}

// Subscribe registers h to run synchronously, inline on Publish, for every
// event sharing eventSample's concrete type.
func (b *EventBus) Subscribe(eventSample interface{}, h Handler) {
	t := reflect.TypeOf(eventSample)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAsync registers h to run on the shared worker pool.
func (b *EventBus) SubscribeAsync(eventSample interface{}, h Handler) {
	t := reflect.TypeOf(eventSample)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asyncSubs[t] = append(b.asyncSubs[t], h)
}

// Publish dispatches event to every matching subscriber. Synchronous
// handlers run inline, in registration order, before Publish returns. Async
// handlers are submitted to the pool and may still be running when Publish
// returns.
func (b *EventBus) Publish(event interface{}) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[t]...)
	asyncHandlers := append([]Handler(nil), b.asyncSubs[t]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}

	for _, h := range asyncHandlers {
		handler := h
		if b.pool != nil {
			b.pool.Submit(func() { handler(event) })
		} else {
			handler(event)
		}
	}
}
