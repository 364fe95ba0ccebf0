package types

import "sync"

// Queue is a thread-safe FIFO buffer backed by a slice. Transactions use
// it to hold messages that arrive before the consumer is ready.
type Queue[T any] struct {
	mu   sync.Mutex
	data []T
}

// Append adds the element to the end of the queue.
func (q *Queue[T]) Append(item T) {
	q.mu.Lock()
	q.data = append(q.data, item)
	q.mu.Unlock()
}

// Drain returns all buffered elements in arrival order and empties the
// queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}

	out := make([]T, len(q.data))
	copy(out, q.data)
	clear(q.data)
	q.data = q.data[:0]
	return out
}

// Len returns the number of buffered elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
