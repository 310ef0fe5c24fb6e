package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore implements Store on a local LevelDB directory, suitable for a single
// instance that wants its metadata cache to survive restarts.
//
// Values are stored as an 8-byte big-endian unix-nano expiry followed by the payload;
// expiry 0 means no expiry.
type LevelDBStore struct {
	db  *leveldb.DB
	now func() time.Time
}

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, fmt.Errorf("leveldb path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create leveldb directory: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelDBStore{db: db, now: time.Now}, nil
}

// Get returns the payload for key, deleting it if its expiry has passed.
func (s *LevelDBStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %q from leveldb: %w", key, err)
	}
	if len(raw) < 8 {
		_ = s.db.Delete([]byte(key), nil)
		return nil, nil
	}

	expiry := int64(binary.BigEndian.Uint64(raw[:8]))
	if expiry != 0 && s.now().UnixNano() >= expiry {
		_ = s.db.Delete([]byte(key), nil)
		return nil, nil
	}
	return raw[8:], nil
}

// Set writes the payload with an expiry derived from ttl.
func (s *LevelDBStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	var expiry int64
	if ttl > 0 {
		expiry = s.now().Add(ttl).UnixNano()
	}
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiry))
	copy(buf[8:], data)

	if err := s.db.Put([]byte(key), buf, nil); err != nil {
		return fmt.Errorf("failed to write %q to leveldb: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *LevelDBStore) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("failed to delete %q from leveldb: %w", key, err)
	}
	return nil
}

// PurgeExpired walks the keys under prefix and deletes expired or malformed
// entries in one batch. Get only drops entries it happens to read, so without
// this a long-running instance keeps every video it ever cached on disk.
func (s *LevelDBStore) PurgeExpired(ctx context.Context, prefix string) (int, error) {
	var rng *util.Range
	if prefix != "" {
		rng = util.BytesPrefix([]byte(prefix))
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	now := s.now().UnixNano()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		raw := iter.Value()
		if len(raw) >= 8 {
			expiry := int64(binary.BigEndian.Uint64(raw[:8]))
			if expiry == 0 || now < expiry {
				continue
			}
		}
		batch.Delete(iter.Key())
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan leveldb: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to purge leveldb: %w", err)
	}
	return batch.Len(), nil
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
