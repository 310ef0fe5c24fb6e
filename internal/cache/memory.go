package cache

import (
	"sort"
	"sync"
	"time"
)

// lowWaterRatio is the fill level an eviction sweep shrinks the cache to.
const lowWaterRatio = 0.8

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Memory is a TTL cache with a hard capacity.
//
// Reads never refresh an entry's age. When a new key arrives at capacity, the oldest
// entries are evicted in one sweep until the cache is below 80% of capacity.
type Memory[V any] struct {
	mu       sync.Mutex
	entries  map[string]entry[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time

	onEvict func(n int)
}

// Option configures a Memory cache.
type Option[V any] func(*Memory[V])

// WithClock overrides the time source (tests).
func WithClock[V any](now func() time.Time) Option[V] {
	return func(m *Memory[V]) { m.now = now }
}

// WithEvictionHook registers a callback invoked with the number of entries removed
// by each capacity sweep.
func WithEvictionHook[V any](fn func(n int)) Option[V] {
	return func(m *Memory[V]) { m.onEvict = fn }
}

// NewMemory creates a cache. capacity <= 0 means 1.
func NewMemory[V any](ttl time.Duration, capacity int, opts ...Option[V]) *Memory[V] {
	if capacity <= 0 {
		capacity = 1
	}
	m := &Memory[V]{
		entries:  make(map[string]entry[V]),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the live value for key. An expired entry is removed and reported as a miss.
func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	if m.expired(e, m.now()) {
		delete(m.entries, key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the current time as its insertion time.
func (m *Memory[V]) Put(key string, value V) {
	m.PutAt(key, value, m.now())
}

// PutAt stores value with an explicit insertion time, used when promoting an entry
// from a second-tier store so its age is preserved.
func (m *Memory[V]) PutAt(key string, value V, insertedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.capacity {
		m.evictOldestLocked()
	}
	m.entries[key] = entry[V]{value: value, insertedAt: insertedAt}
}

// Delete removes key if present.
func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Capacity returns the configured maximum size.
func (m *Memory[V]) Capacity() int {
	return m.capacity
}

// TTL returns the configured time-to-live.
func (m *Memory[V]) TTL() time.Duration {
	return m.ttl
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (m *Memory[V]) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if m.expired(e, now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory[V]) expired(e entry[V], now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.insertedAt) >= m.ttl
}

// evictOldestLocked removes entries oldest-first until the size drops below the low
// water mark. Entries sharing a timestamp are ordered by key, which says nothing about
// their real relative age.
func (m *Memory[V]) evictOldestLocked() {
	lowWater := int(float64(m.capacity) * lowWaterRatio)

	type candidate struct {
		key        string
		insertedAt time.Time
	}
	candidates := make([]candidate, 0, len(m.entries))
	for key, e := range m.entries {
		candidates = append(candidates, candidate{key: key, insertedAt: e.insertedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].insertedAt.Equal(candidates[j].insertedAt) {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].insertedAt.Before(candidates[j].insertedAt)
	})

	removed := 0
	for _, c := range candidates {
		if len(m.entries) < lowWater || (lowWater == 0 && len(m.entries) < m.capacity) {
			break
		}
		delete(m.entries, c.key)
		removed++
	}
	if removed > 0 && m.onEvict != nil {
		m.onEvict(removed)
	}
}
