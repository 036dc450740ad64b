package pipeline

import (
	"sync"
	"sync/atomic"
)

// EventBus fans tick results out to subscribers on the loop goroutine.
// Subscribers receive results in tick order and in the order they
// subscribed. Channel subscribers never block the loop: a result that does
// not fit in a full channel is dropped and counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	dropped atomic.Uint64
}

type subscription struct {
	handler TickHandler
	ch      chan *TickResult
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe calls handler synchronously for every published result.
// The returned function unsubscribes; it is a no-op once the bus is closed.
func (b *EventBus) Subscribe(handler TickHandler) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeChannel returns a channel receiving results, buffered to
// bufferSize (10 when <= 0). The channel is closed on unsubscribe or when
// the bus closes. Subscribing to a closed bus yields a closed channel.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *TickResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	sub := &subscription{ch: make(chan *TickResult, bufferSize)}
	return sub.ch, b.add(sub)
}

func (b *EventBus) add(sub *subscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if sub.ch != nil {
			close(sub.ch)
		}
		return func() {}
	}
	b.subs = append(b.subs, sub)
	return func() { b.remove(sub) }
}

func (b *EventBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			if sub.ch != nil {
				close(sub.ch)
			}
			return
		}
	}
}

// Publish delivers result to every subscriber.
func (b *EventBus) Publish(result *TickResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.handler != nil {
			sub.handler.OnTick(result)
			continue
		}
		select {
		case sub.ch <- result:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many results full channel subscribers missed.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if sub.ch != nil {
			close(sub.ch)
		}
	}
	b.subs = nil
}
