// Package ring implements a fixed-capacity buffer that evicts the oldest
// entry on overflow. Buffers are not safe for concurrent use; owners guard
// them with their own mutex.
package ring

// Buffer holds at most Cap() items in insertion order.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// New creates a Buffer with the given capacity. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, dropping the oldest item when full. It reports whether an
// item was evicted.
func (b *Buffer[T]) Push(v T) bool {
	c := len(b.items)
	if b.size < c {
		b.items[(b.head+b.size)%c] = v
		b.size++
		return false
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % c
	return true
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Items returns a copy of all items, oldest first.
func (b *Buffer[T]) Items() []T {
	return b.Last(b.size)
}

// Last returns a copy of the most recent n items, oldest first.
// n <= 0 or n > Len() returns everything.
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]T, n)
	c := len(b.items)
	start := b.head + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(start+i)%c]
	}
	return out
}

// Reset empties the buffer without changing its capacity.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
