// Package bus is the in-process broadcast of domain events. Every listener
// receives a Ping first, so it can tell "alive with no news" apart from
// "disconnected". Delivery is best-effort: a listener whose buffer is full is
// dropped on the next emission.
package bus

import (
	"log/slog"
	"sync"
)

const subscriberBufferSize = 100

// Subscription is an active listener on the bus.
type Subscription struct {
	id int
	ch chan Event
}

// Ch returns the channel to receive events on. It is closed when the
// subscription is dropped, unsubscribed, or the bus shuts down.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus broadcasts domain events to all subscribers in emission order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
	logger *slog.Logger
}

// New creates a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Listen registers a new subscriber. The first event on its channel is a
// Ping. Returns nil if the bus has shut down.
func (b *Bus) Listen() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, subscriberBufferSize),
	}
	sub.ch <- Ping()
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Log broadcasts an event to every subscriber. A subscriber that cannot
// accept the event (full buffer) is dropped and its channel closed.
func (b *Bus) Log(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			delete(b.subs, id)
			close(sub.ch)
			b.logger.Warn("dropping slow event listener", "event", event.String())
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Shutdown stops the bus: no further events are emitted and all subscriber
// channels are closed.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
