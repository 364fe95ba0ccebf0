package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered registry of callbacks.
// Add returns a remove function, so callers can unsubscribe without
// knowing the callback's position.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID int
}

type callback[T any] struct {
	id int
	cb T
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.cbs = slices.DeleteFunc(m.cbs, func(c callback[T]) bool { return c.id == id })
			m.mu.Unlock()
		})
	}
}

// All iterates over registered callbacks in insertion order.
// The callback list is copied before iteration, so callbacks may
// safely unsubscribe themselves.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		callbacks := make([]T, len(m.cbs))
		for i, c := range m.cbs {
			callbacks[i] = c.cb
		}
		m.mu.RUnlock()

		for _, cb := range callbacks {
			if !yield(cb) {
				return
			}
		}
	}
}

// Range calls fn for every registered callback in insertion order.
func (m *CallbackManager[T]) Range(fn func(cb T)) {
	for cb := range m.All() {
		fn(cb)
	}
}
