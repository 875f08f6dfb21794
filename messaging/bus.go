package messaging

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscriberFunc receives every message published on the bus
type SubscriberFunc func(ctx context.Context, msg interface{})

// MessageBus is a process-wide, synchronous publish channel for application
// messages. There is no buffering or replay: a message published before a
// subscriber exists is never seen by it.
type MessageBus struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription]
}

// Subscription is a handle to one bus subscriber
type Subscription struct {
	bus    *MessageBus
	fn     SubscriberFunc
	closed atomic.Bool
}

// NewMessageBus creates an empty bus
func NewMessageBus() *MessageBus {
	b := &MessageBus{}
	b.subs.Store(&[]*Subscription{})
	return b
}

// Subscribe appends fn to the subscriber list
func (b *MessageBus) Subscribe(fn SubscriberFunc) *Subscription {
	sub := &Subscription{bus: b, fn: fn}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.subs.Load()
	next := make([]*Subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	b.subs.Store(&next)

	return sub
}

// Publish delivers msg to every current subscriber in subscription order and
// returns once all of them have returned. Nil messages are ignored.
func (b *MessageBus) Publish(ctx context.Context, msg interface{}) {
	if msg == nil {
		return
	}
	for _, sub := range *b.subs.Load() {
		if sub.closed.Load() || sub.fn == nil {
			continue
		}
		sub.fn(ctx, msg)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *MessageBus) SubscriberCount() int {
	return len(*b.subs.Load())
}

func (b *MessageBus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if sub != target {
			next = append(next, sub)
		}
	}
	b.subs.Store(&next)
}

// Close removes the subscriber from the bus. Safe to call more than once.
func (s *Subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.remove(s)
	}
	return nil
}
