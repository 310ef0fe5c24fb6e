package extractlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the extractions table if needed and starts the retention
// cleanup loop when retentionDays > 0.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS extractions (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			proxy TEXT NOT NULL DEFAULT '',
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL DEFAULT 0
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
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

const insertExtraction = `
	INSERT INTO extractions (id, request_id, video_id, timestamp, outcome, error_type,
		attempts, proxy, cache_hit, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

// WriteBatch sends all entries in one pgx batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertExtraction,
			e.ID, e.RequestID, e.VideoID, e.Timestamp, e.Outcome, e.ErrorType,
			e.Attempts, e.Proxy, e.CacheHit, e.DurationMs)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert %d extraction entries: %w", len(entries), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *PostgreSQLStore) Close() error {
	if s.retentionDays > 0 && s.stopCleanup != nil {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	result, err := s.pool.Exec(ctx, "DELETE FROM extractions WHERE timestamp < $1", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old extraction entries", "error", err)
		return
	}

	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old extraction entries", "deleted", result.RowsAffected())
	}
}
