// Package cache provides the TTL-bounded in-memory caches used for video metadata and
// format choices, plus optional shared second-tier stores (Redis or LevelDB).
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a byte-oriented second-tier cache shared across restarts or instances.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the stored bytes for key.
	// Returns nil, nil if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores data for key. ttl <= 0 means no store-level expiry.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key; a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Purger is implemented by stores that keep expired entries on disk until read.
// Stores with native expiry (Redis) do not need it.
type Purger interface {
	// PurgeExpired deletes every expired entry whose key starts with prefix
	// and returns how many were removed.
	PurgeExpired(ctx context.Context, prefix string) (int, error)
}

// envelope is the persisted form of an entry. InsertedAt travels with the value so a
// promoted entry keeps its original age.
type envelope struct {
	InsertedAt time.Time       `json:"inserted_at"`
	Value      json.RawMessage `json:"value"`
}

func encodeEnvelope(value any, insertedAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{InsertedAt: insertedAt, Value: raw})
}

func decodeEnvelope[V any](data []byte) (V, time.Time, error) {
	var zero V
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, time.Time{}, err
	}
	var value V
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return zero, time.Time{}, err
	}
	return value, env.InsertedAt, nil
}
