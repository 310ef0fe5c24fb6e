package cache

import (
	"context"
	"log/slog"
	"time"
)

// storeTimeout bounds every second-tier call so a slow store never stalls a request.
const storeTimeout = 2 * time.Second

// Tiered fronts a Memory cache with an optional Store. The memory tier owns the
// TTL and capacity rules; the store only extends reach across restarts or instances.
type Tiered[V any] struct {
	mem    *Memory[V]
	store  Store
	prefix string
	now    func() time.Time
}

// NewTiered wraps mem. store may be nil, in which case Tiered behaves exactly like mem.
func NewTiered[V any](mem *Memory[V], store Store, prefix string) *Tiered[V] {
	return &Tiered[V]{mem: mem, store: store, prefix: prefix, now: mem.now}
}

// Get returns a live value from memory, falling back to the store.
// Store hits are promoted into memory with their original insertion time.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.mem.Get(key); ok {
		return v, true
	}
	var zero V
	if t.store == nil {
		return zero, false
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	data, err := t.store.Get(ctx, t.prefix+key)
	if err != nil {
		slog.Warn("cache store get failed", "key", key, "error", err)
		return zero, false
	}
	if data == nil {
		return zero, false
	}

	value, insertedAt, err := decodeEnvelope[V](data)
	if err != nil {
		slog.Warn("cache store entry corrupt, dropping", "key", key, "error", err)
		_ = t.store.Delete(ctx, t.prefix+key)
		return zero, false
	}
	if ttl := t.mem.TTL(); ttl > 0 && t.now().Sub(insertedAt) >= ttl {
		_ = t.store.Delete(ctx, t.prefix+key)
		return zero, false
	}

	t.mem.PutAt(key, value, insertedAt)
	return value, true
}

// Put stores value in memory and writes it through to the store.
func (t *Tiered[V]) Put(ctx context.Context, key string, value V) {
	insertedAt := t.now()
	t.mem.PutAt(key, value, insertedAt)
	if t.store == nil {
		return
	}

	data, err := encodeEnvelope(value, insertedAt)
	if err != nil {
		slog.Warn("cache store encode failed", "key", key, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := t.store.Set(ctx, t.prefix+key, data, t.mem.TTL()); err != nil {
		slog.Warn("cache store set failed", "key", key, "error", err)
	}
}

// Delete removes key from both tiers.
func (t *Tiered[V]) Delete(ctx context.Context, key string) {
	t.mem.Delete(key)
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := t.store.Delete(ctx, t.prefix+key); err != nil {
		slog.Warn("cache store delete failed", "key", key, "error", err)
	}
}

// PurgeStore drops expired entries under this tier's prefix from the store,
// when the store supports it. Returns 0, nil otherwise.
func (t *Tiered[V]) PurgeStore(ctx context.Context) (int, error) {
	purger, ok := t.store.(Purger)
	if !ok {
		return 0, nil
	}
	return purger.PurgeExpired(ctx, t.prefix)
}

// Len returns the size of the memory tier.
func (t *Tiered[V]) Len() int {
	return t.mem.Len()
}

// Memory exposes the memory tier.
func (t *Tiered[V]) Memory() *Memory[V] {
	return t.mem
}
