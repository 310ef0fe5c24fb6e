package extractlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite allows 999 bound parameters per statement by default.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 10
	maxEntriesPerBatch = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the extractions table if needed and starts the retention
// cleanup loop when retentionDays > 0.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS extractions (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			outcome TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			proxy TEXT NOT NULL DEFAULT '',
			cache_hit INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_extractions_timestamp ON extractions(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_extractions_video_id ON extractions(video_id)",
		"CREATE INDEX IF NOT EXISTS idx_extractions_outcome ON extractions(outcome)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts entries in chunks that fit the parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := min(i+maxEntriesPerBatch, len(entries))
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)

		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				e.ID,
				e.RequestID,
				e.VideoID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Outcome,
				e.ErrorType,
				e.Attempts,
				e.Proxy,
				e.CacheHit,
				e.DurationMs,
			)
		}

		query := `INSERT OR IGNORE INTO extractions (id, request_id, video_id, timestamp, outcome,
			error_type, attempts, proxy, cache_hit, duration_ms) VALUES ` +
			strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert extraction batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}

	return nil
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 && s.stopCleanup != nil {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

func (s *SQLiteStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339Nano)

	result, err := s.db.Exec("DELETE FROM extractions WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old extraction entries", "error", err)
		return
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		slog.Info("cleaned up old extraction entries", "deleted", rowsAffected)
	}
}
