package extractlog

import (
	"context"
	"errors"
	"fmt"

	"audioproxy/internal/storage"
)

// Result holds the initialized logger and the storage it owns, if any.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Logger  LoggerInterface
	Storage storage.Storage
}

// Close releases the logger and then the storage. Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New opens storage and builds a logger. A disabled config yields a NoopLogger and no
// storage.
func New(ctx context.Context, cfg Config, storageCfg storage.Config) (*Result, error) {
	if !cfg.Enabled {
		return &Result{Logger: &NoopLogger{}}, nil
	}

	store, err := storage.New(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	logStore, err := createStore(ctx, store, cfg.RetentionDays)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Result{
		Logger:  NewLogger(logStore, cfg),
		Storage: store,
	}, nil
}

// createStore picks the Store implementation for the open backend.
func createStore(ctx context.Context, store storage.Storage, retentionDays int) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)

	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool, retentionDays)

	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(ctx, db, retentionDays)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
