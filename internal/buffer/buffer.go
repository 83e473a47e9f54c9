// Package buffer provides a thread-safe bounded ring used for trace
// retention, the storage backlog, and trend windows.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded FIFO. When full, Push evicts the oldest item.
type Ring[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	evicted  uint64
}

// New creates a Ring with the specified capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push adds an item. If the ring is full, the oldest item is dropped.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) >= r.capacity {
		r.data = r.data[1:]
		r.evicted++
	}
	r.data = append(r.data, item)
}

// Pop removes and returns the oldest item.
// Returns zero value and false if empty.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) == 0 {
		var zero T
		return zero, false
	}
	item := r.data[0]
	r.data = r.data[1:]
	return item, true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) == 0 {
		var zero T
		return zero, false
	}
	return r.data[0], true
}

// Snapshot returns a copy of the current contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.data))
	copy(out, r.data)
	return out
}

// Last returns a copy of up to n newest items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.data) {
		n = len(r.data)
	}
	out := make([]T, n)
	copy(out, r.data[len(r.data)-n:])
	return out
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Evicted returns how many items were dropped due to capacity.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// IsEmpty returns true if the ring holds no items.
func (r *Ring[T]) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data) == 0
}
