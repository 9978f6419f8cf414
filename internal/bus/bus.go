package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Events delivered to one subscription arrive in publish order; nothing is
// guaranteed across distinct subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a cancellable handle to a bus subscription. Consumers drain
// Events(); Cancel detaches the subscription so no further events are
// delivered after it returns.
type Subscription struct {
	namespace string
	ch        chan Event
	cancel    func()
	once      sync.Once
}

// Events returns the channel the subscription delivers on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe registers a subscription for events matching the given namespace
// prefix. bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	sub := &Subscription{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub
}
