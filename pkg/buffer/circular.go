package buffer

import "sync"

// circular is a fixed-size ring with an overflow policy.
type circular[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next read position
	size  int
	opts  *options[T]
	stats counters
}

func (c *circular[T]) Write(item T) bool {
	c.mu.Lock()

	c.stats.writes.Add(1)
	capacity := len(c.items)

	if c.size == capacity {
		c.stats.drops.Add(1)
		if c.opts.policy == DropNewest {
			c.mu.Unlock()
			c.dropped(item)
			return false
		}

		oldest := c.items[c.head]
		var zero T
		c.items[c.head] = zero
		c.head = (c.head + 1) % capacity
		c.size--

		c.items[(c.head+c.size)%capacity] = item
		c.size++
		c.mu.Unlock()
		c.dropped(oldest)
		return false
	}

	c.items[(c.head+c.size)%capacity] = item
	c.size++
	c.mu.Unlock()
	return true
}

// dropped runs the callback outside the lock.
func (c *circular[T]) dropped(item T) {
	if c.opts.onDrop != nil {
		c.opts.onDrop(item)
	}
}

func (c *circular[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == 0 {
		return nil
	}

	capacity := len(c.items)
	out := make([]T, c.size)
	var zero T
	for i := 0; i < c.size; i++ {
		idx := (c.head + i) % capacity
		out[i] = c.items[idx]
		c.items[idx] = zero
	}
	c.head = 0
	c.size = 0
	return out
}

func (c *circular[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *circular[T]) Capacity() int { return len(c.items) }

func (c *circular[T]) Stats() Stats { return c.stats.snapshot() }
