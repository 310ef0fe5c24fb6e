// Package extractlog records one entry per metadata lookup (cache hit or upstream
// extraction) and persists them in batches to the configured storage backend.
package extractlog

import (
	"context"
	"time"
)

// Outcome values for Entry.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Store defines the interface for extraction log storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries to storage.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources held by the store itself. The underlying connection
	// belongs to the storage layer.
	Close() error
}

// Entry is one lookup of a video identifier.
type Entry struct {
	// ID is a unique identifier for this entry (UUID)
	ID string `json:"id" bson:"_id"`

	// RequestID links to the inbound request (X-Request-ID header)
	RequestID string `json:"request_id" bson:"request_id"`

	VideoID   string    `json:"video_id" bson:"video_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// Outcome is "success" or "error"; ErrorType holds the gateway error type on failure
	Outcome   string `json:"outcome" bson:"outcome"`
	ErrorType string `json:"error_type,omitempty" bson:"error_type,omitempty"`

	// Attempts is the number of upstream calls made; 0 for a cache hit
	Attempts int `json:"attempts" bson:"attempts"`

	// Proxy is the address used by the final attempt, empty when direct
	Proxy string `json:"proxy,omitempty" bson:"proxy,omitempty"`

	CacheHit   bool  `json:"cache_hit" bson:"cache_hit"`
	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`
}

// Config holds extraction log configuration
type Config struct {
	// Enabled controls whether entries are recorded
	Enabled bool

	// BufferSize is the number of entries the logger can hold before dropping
	BufferSize int

	// FlushInterval is how often buffered entries are written
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}

// BatchFlushThreshold is the number of entries that triggers an immediate flush.
const BatchFlushThreshold = 100

// CleanupInterval is how often old entries are deleted.
const CleanupInterval = 1 * time.Hour

// RunCleanupLoop runs cleanupFn immediately and then every CleanupInterval until stop
// is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}
