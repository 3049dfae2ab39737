// Package broadcast provides a bounded, lossy fan-out hub. Publishers never
// block: a subscriber that falls behind its fixed-capacity buffer loses the
// oldest unread values first. That is the delivery contract, not a failure.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// Hub fans values out to any number of subscribers. All methods are safe for
// concurrent use.
type Hub[T any] struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscriber[T]
	nextID   uint64
	capacity int
	closed   bool
}

// Subscriber is one independent receive handle. Values published after
// Subscribe are delivered to its channel until Close.
type Subscriber[T any] struct {
	hub     *Hub[T]
	ch      chan T
	id      uint64
	dropped atomic.Uint64
	once    sync.Once
}

// NewHub creates a hub whose subscribers each buffer up to capacity values.
func NewHub[T any](capacity int) *Hub[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub[T]{
		subs:     make(map[uint64]*Subscriber[T]),
		capacity: capacity,
	}
}

// Subscribe registers a new handle. On a closed hub it returns a handle
// whose channel is already closed.
func (h *Hub[T]) Subscribe() *Subscriber[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscriber[T]{hub: h, ch: make(chan T, h.capacity)}
	if h.closed {
		close(s.ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

// Publish delivers v to every current subscriber without blocking. A full
// subscriber buffer has its oldest value evicted to make room.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		// Buffer full: drop the oldest unread value. The receiver may
		// drain concurrently, so both selects stay non-blocking.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active handles.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches all subscribers and closes their channels. Publish becomes
// a no-op. Idempotent.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

// C returns the receive channel. It is closed when the subscriber or the
// hub closes.
func (s *Subscriber[T]) C() <-chan T {
	return s.ch
}

// Dropped reports how many values this subscriber has lost to overflow.
func (s *Subscriber[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscriber from the hub and closes its channel.
// Idempotent.
func (s *Subscriber[T]) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s.id]; ok {
			delete(s.hub.subs, s.id)
			close(s.ch)
		}
	})
}
