// Package notify broadcasts values to in-process subscribers.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have values dropped (non-blocking send).
const defaultBufferSize = 16

// subscription represents a single subscriber.
type subscription[T any] struct {
	id     uint64
	filter func(T) bool
	ch     chan T
	closed atomic.Bool
}

func (s *subscription[T]) matches(v T) bool {
	return s.filter == nil || s.filter(v)
}

// close closes the subscription channel if not already closed.
func (s *subscription[T]) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans a stream of values out to subscribers. Publish never blocks.
type Hub[T any] struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription[T]
	nextID        atomic.Uint64
	last          atomic.Pointer[T]
	closed        bool
}

// NewHub creates a new notification hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subscriptions: make(map[uint64]*subscription[T]),
	}
}

// Publish sends v to all matching subscribers (non-blocking) and remembers it
// as the latest value.
func (h *Hub[T]) Publish(v T) {
	h.last.Store(&v)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(v) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- v:
		default:
		}
	}
}

// Last returns the most recently published value
func (h *Hub[T]) Last() (T, bool) {
	p := h.last.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Subscribe creates a new subscription and returns its channel and cancel
// function. filter may be nil. The cancel function is idempotent.
func (h *Hub[T]) Subscribe(filter func(T) bool) (<-chan T, func()) {
	sub := &subscription[T]{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan T, defaultBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Close closes every subscriber channel. Later Subscribe calls get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription[T])
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
