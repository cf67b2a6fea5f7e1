// Package buffer provides thread-safe FIFO buffers with optional capacity bounds.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Buffer is a FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends an item. It reports false when the overflow policy discarded an item.
	Write(item T) bool

	// Drain removes and returns all buffered items in FIFO order.
	Drain() []T

	// Len returns the number of buffered items.
	Len() int

	// Capacity returns the bound, or 0 when the buffer is unbounded.
	Capacity() int

	// Stats returns write and drop counters.
	Stats() Stats
}

// OverflowPolicy defines how a bounded buffer behaves at capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the item being written.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item discarded by the overflow policy.
type DropCallback[T any] func(item T)

// Stats holds buffer counters.
type Stats struct {
	Writes int64
	Drops  int64
}

type counters struct {
	writes atomic.Int64
	drops  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{Writes: c.writes.Load(), Drops: c.drops.Load()}
}

// Option configures a bounded buffer.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy OverflowPolicy
	onDrop DropCallback[T]
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.policy = policy
	}
}

// WithDropCallback registers a callback for discarded items.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.onDrop = fn
	}
}

// New returns an unbounded buffer when capacity is 0, otherwise a circular buffer
// holding at most capacity items.
func New[T any](capacity int, opts ...Option[T]) Buffer[T] {
	if capacity <= 0 {
		return &unbounded[T]{}
	}

	o := &options[T]{policy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return &circular[T]{
		items: make([]T, capacity),
		opts:  o,
	}
}

// unbounded grows without limit.
type unbounded[T any] struct {
	mu    sync.Mutex
	items []T
	stats counters
}

func (u *unbounded[T]) Write(item T) bool {
	u.mu.Lock()
	u.items = append(u.items, item)
	u.mu.Unlock()
	u.stats.writes.Add(1)
	return true
}

func (u *unbounded[T]) Drain() []T {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.items
	u.items = nil
	return out
}

func (u *unbounded[T]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}

func (u *unbounded[T]) Capacity() int { return 0 }

func (u *unbounded[T]) Stats() Stats { return u.stats.snapshot() }
