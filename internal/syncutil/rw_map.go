// Package syncutil provides concurrency helpers shared across the module.
package syncutil

import (
	"iter"
	"maps"
	"sync"
)

// RWMap is a mutex-guarded map. The zero value is ready to use and a
// nil receiver behaves as an empty read-only map. Under heavy write
// contention [ShardMap] scales better.
type RWMap[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// lazyInit allocates the backing map, callers must hold the write lock.
func (m *RWMap[K, V]) lazyInit() map[K]V {
	if m.data == nil {
		m.data = make(map[K]V)
	}
	return m.data
}

func (m *RWMap[K, V]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *RWMap[K, V]) Has(key K) bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *RWMap[K, V]) Get(key K) (V, bool) {
	if m == nil {
		var zero V
		return zero, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *RWMap[K, V]) Set(key K, val V) *RWMap[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()[key] = val
	return m
}

// GetOrSet returns the stored value for key, or stores val when the
// key is absent. The boolean reports whether the value was present.
func (m *RWMap[K, V]) GetOrSet(key K, val V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, true
	}
	m.lazyInit()[key] = val
	return val, false
}

func (m *RWMap[K, V]) Del(key K) *RWMap[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return m
}

// GetAndDel removes the key and returns what was stored under it.
func (m *RWMap[K, V]) GetAndDel(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if ok {
		delete(m.data, key)
	}
	return v, ok
}

func (m *RWMap[K, V]) Clear() *RWMap[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	return m
}

// All iterates over a point-in-time copy, so the map may be mutated
// from inside the loop.
func (m *RWMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		data := maps.Clone(m.data)
		m.mu.RUnlock()

		for k, v := range data {
			if !yield(k, v) {
				return
			}
		}
	}
}
