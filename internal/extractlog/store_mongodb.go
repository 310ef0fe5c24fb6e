package extractlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrPartialWrite indicates that a batch write only partially succeeded.
var ErrPartialWrite = errors.New("partial write failure")

// PartialWriteError reports how many entries of a batch failed.
type PartialWriteError struct {
	TotalEntries int
	FailedCount  int
	Cause        mongo.BulkWriteException
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial extraction log insert: %d of %d entries failed: %v",
		e.FailedCount, e.TotalEntries, e.Cause.Error())
}

func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}

var partialWriteFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audioproxy_extract_log_partial_write_failures_total",
		Help: "Total number of partial write failures when inserting extraction log entries to MongoDB",
	},
)

// MongoDBStore implements Store for MongoDB. Retention is enforced by a TTL index.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates the collection indexes.
func NewMongoDBStore(ctx context.Context, database *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("extractions")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "video_id", Value: 1}}},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "outcome", Value: 1}}},
	}

	// MongoDB allows only one index per field when one of them is a TTL index.
	if retentionDays > 0 {
		ttlSeconds := int32(int64(retentionDays) * 24 * 60 * 60)
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetExpireAfterSeconds(ttlSeconds),
		})
	} else {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "timestamp", Value: -1}},
		})
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for extraction log", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

// WriteBatch inserts entries unordered so one bad document does not block the rest.
func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			failedCount := len(bulkErr.WriteErrors)
			slog.Warn("partial extraction log insert failure",
				"total", len(entries),
				"failed", failedCount,
				"succeeded", len(entries)-failedCount,
			)
			partialWriteFailures.Inc()
			return &PartialWriteError{
				TotalEntries: len(entries),
				FailedCount:  failedCount,
				Cause:        bulkErr,
			}
		}
		return fmt.Errorf("failed to insert extraction entries: %w", err)
	}

	return nil
}

// Flush is a no-op for MongoDB as writes are synchronous.
func (s *MongoDBStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
