// Package locktable implements the sharded key/value map used by the
// storage engine to hold both the path->FileEntry table and the
// connection-id->ClientEntry table, each with its own independent set of
// shard mutexes.
package locktable

import (
	"hash/fnv"
	"sync"
)

// Shard is a single partition of the map, exposed so that callers can hold
// it across several inner operations (e.g. "contains, then insert") instead
// of re-entering the map for each step. Mutex is intentionally not
// re-entrant: callers that already hold a Shard must pass it down to
// helpers rather than calling back into the ShardedMap.
type Shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// Lock acquires the shard's mutex. Paired with Unlock.
func (s *Shard[V]) Lock() { s.mu.Lock() }

// Unlock releases the shard's mutex.
func (s *Shard[V]) Unlock() { s.mu.Unlock() }

// Get reads a value from an already-locked shard.
func (s *Shard[V]) Get(key string) (V, bool) {
	v, ok := s.items[key]
	return v, ok
}

// Set writes a value into an already-locked shard.
func (s *Shard[V]) Set(key string, v V) {
	s.items[key] = v
}

// Delete removes a value from an already-locked shard.
func (s *Shard[V]) Delete(key string) {
	delete(s.items, key)
}

// Len returns the number of items in an already-locked shard.
func (s *Shard[V]) Len() int {
	return len(s.items)
}

// ShardedMap is a fixed-shard-count map from string keys to values of type
// V. Each shard has its own mutex so that unrelated keys never contend.
type ShardedMap[V any] struct {
	shards []*Shard[V]
}

// New creates a ShardedMap with the given number of shards (clamped to at
// least 1). shardCount should come from configuration (max_locks for the
// file table, a sizing hint derived from expected_clients for the client
// table).
func New[V any](shardCount int) *ShardedMap[V] {
	if shardCount < 1 {
		shardCount = 1
	}
	m := &ShardedMap[V]{shards: make([]*Shard[V], shardCount)}
	for i := range m.shards {
		m.shards[i] = &Shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % len(m.shards)
}

// ShardFor returns (without locking) the shard that owns key. Use Lock/
// Unlock on the result, or one of the atomic helpers below.
func (m *ShardedMap[V]) ShardFor(key string) *Shard[V] {
	idx := m.index(key)
	if idx < 0 {
		idx += len(m.shards)
	}
	return m.shards[idx]
}

// ContainsAtomic reports whether key is present, acquiring and releasing
// the owning shard internally.
func (m *ShardedMap[V]) ContainsAtomic(key string) bool {
	sh := m.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()
	_, ok := sh.Get(key)
	return ok
}

// GetAtomic reads key's value, acquiring and releasing the owning shard
// internally.
func (m *ShardedMap[V]) GetAtomic(key string) (V, bool) {
	sh := m.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()
	return sh.Get(key)
}

// InsertAtomic stores value under key, acquiring and releasing the owning
// shard internally.
func (m *ShardedMap[V]) InsertAtomic(key string, value V) {
	sh := m.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()
	sh.Set(key, value)
}

// DeleteAtomic removes key, acquiring and releasing the owning shard
// internally.
func (m *ShardedMap[V]) DeleteAtomic(key string) {
	sh := m.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()
	sh.Delete(key)
}

// DeleteAndGetAtomic removes key and returns the value that was stored
// there, if any.
func (m *ShardedMap[V]) DeleteAndGetAtomic(key string) (V, bool) {
	sh := m.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()
	v, ok := sh.Get(key)
	if ok {
		sh.Delete(key)
	}
	return v, ok
}

// Len returns the total number of items across all shards. Intended for
// diagnostics only — it is not a consistent snapshot under concurrent
// mutation.
func (m *ShardedMap[V]) Len() int {
	total := 0
	for _, sh := range m.shards {
		sh.Lock()
		total += sh.Len()
		sh.Unlock()
	}
	return total
}

// ShardCount returns the number of shards the map was created with.
func (m *ShardedMap[V]) ShardCount() int {
	return len(m.shards)
}
