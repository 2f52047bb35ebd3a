// Package table implements the fixed-capacity shared tables: Subscriptions,
// Auth, RateLimit, and Cache. Tables are created once at startup with a hard
// row cap and never grow; writers must handle ErrTableFull. All stores are
// safe for concurrent use.
package table

import (
	"errors"
	"sync"
	"sync/atomic"
)

const shardCount = 16

// ErrTableFull is returned when inserting a new key into a table that is at
// capacity. Overwriting an existing key always succeeds.
var ErrTableFull = errors.New("table is at capacity")

// Table is a capacity-bounded concurrent map sharded to reduce lock
// contention. Row writes are atomic per key; there are no multi-row
// transactions and readers must tolerate torn reads across rows.
type Table[V any] struct {
	capacity int64
	size     atomic.Int64
	shards   [shardCount]shard[V]
}

type shard[V any] struct {
	mu   sync.RWMutex
	rows map[string]V
}

// New creates a table with the given row capacity.
func New[V any](capacity int) *Table[V] {
	t := &Table[V]{capacity: int64(capacity)}
	for i := range t.shards {
		t.shards[i].rows = make(map[string]V)
	}
	return t
}

func (t *Table[V]) shard(key string) *shard[V] {
	return &t.shards[fnv32a(key)%shardCount]
}

// Set inserts or overwrites the row for key.
func (t *Table[V]) Set(key string, value V) error {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[key]; !ok {
		if t.size.Add(1) > t.capacity {
			t.size.Add(-1)
			return ErrTableFull
		}
	}
	s.rows[key] = value
	return nil
}

// Update atomically reads and replaces the row for key under the shard lock.
// fn receives the current value and whether it exists; returning store=false
// leaves the table unchanged. Inserting a new key at capacity fails with
// ErrTableFull and the row is not stored.
func (t *Table[V]) Update(key string, fn func(value V, ok bool) (V, bool)) error {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[key]
	next, store := fn(cur, ok)
	if !store {
		return nil
	}
	if !ok {
		if t.size.Add(1) > t.capacity {
			t.size.Add(-1)
			return ErrTableFull
		}
	}
	s.rows[key] = next
	return nil
}

// Get returns the row for key.
func (t *Table[V]) Get(key string) (V, bool) {
	s := t.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[key]
	return v, ok
}

// Delete removes the row for key and reports whether it existed.
func (t *Table[V]) Delete(key string) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[key]; !ok {
		return false
	}
	delete(s.rows, key)
	t.size.Add(-1)
	return true
}

// Len returns the current number of rows.
func (t *Table[V]) Len() int {
	return int(t.size.Load())
}

// Cap returns the fixed row capacity.
func (t *Table[V]) Cap() int {
	return int(t.capacity)
}

// Range calls fn for every row until fn returns false. Each shard is
// snapshotted under its read lock before fn runs, so fn may safely mutate
// the table; rows written mid-iteration may or may not be observed.
func (t *Table[V]) Range(fn func(key string, value V) bool) {
	for i := range t.shards {
		s := &t.shards[i]

		s.mu.RLock()
		keys := make([]string, 0, len(s.rows))
		vals := make([]V, 0, len(s.rows))
		for k, v := range s.rows {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		s.mu.RUnlock()

		for j := range keys {
			if !fn(keys[j], vals[j]) {
				return
			}
		}
	}
}

func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
