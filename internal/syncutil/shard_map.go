package syncutil

import (
	"fmt"
	"hash/fnv"
	"iter"
	"maps"
	"sync"
)

const defaultShards = 32

// ShardMap is a concurrent map split into independently locked shards,
// keys are distributed by an FNV-1a hash of their printed form.
type ShardMap[K comparable, V any] struct {
	shards []shard[K, V]
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewShardMap creates a [ShardMap]. An optional positive argument sets
// the shard count, otherwise 32 shards are used.
func NewShardMap[K comparable, V any](numShards ...int) *ShardMap[K, V] {
	n := defaultShards
	if len(numShards) > 0 && numShards[0] > 0 {
		n = numShards[0]
	}

	m := &ShardMap[K, V]{shards: make([]shard[K, V], n)}
	for i := range m.shards {
		m.shards[i].items = make(map[K]V)
	}
	return m
}

func (m *ShardMap[K, V]) shardFor(key K) *shard[K, V] {
	h := fnv.New32a()
	fmt.Fprint(h, key)
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Has reports whether key is present.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Get returns the value stored under key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// Set stores value under key, replacing any previous value.
func (m *ShardMap[K, V]) Set(key K, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// GetOrSet returns the existing value for key when present, otherwise
// stores value. The second result reports whether the key was already
// there.
func (m *ShardMap[K, V]) GetOrSet(key K, value V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, true
	}
	s.items[key] = value
	return value, false
}

// Del removes key and returns the value it held.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return val, ok
}

// Size sums the entry counts of all shards. The result is a snapshot,
// concurrent writers may change it before it is returned.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		size += len(s.items)
		s.mu.RUnlock()
	}
	return size
}

// Clear removes all entries shard by shard.
func (m *ShardMap[K, V]) Clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		clear(s.items)
		s.mu.Unlock()
	}
}

// Items iterates over all entries. Each shard is copied under its read
// lock, so the sequence never observes a torn shard but may miss
// concurrent updates.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.shards {
			s := &m.shards[i]
			s.mu.RLock()
			items := maps.Clone(s.items)
			s.mu.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
