package extractlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Logger records extraction attempts asynchronously.
// Write hands entries to a buffered channel; a single goroutine drains it and
// writes them to the Store in batches, either once BatchFlushThreshold entries
// have accumulated or on every tick of the flush interval.
type Logger struct {
	store         Store
	config        Config
	buffer        chan *Entry
	done          chan struct{}
	wg            sync.WaitGroup
	flushInterval time.Duration

	// mu guards closed and every send on buffer, so flushLoop can close the
	// channel once Close has flipped the flag.
	mu     sync.Mutex
	closed bool
}

// NewLogger creates a Logger over store and starts its flush goroutine.
// Zero BufferSize or FlushInterval fall back to 1000 entries and 5s.
func NewLogger(store Store, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	l := &Logger{
		store:         store,
		config:        cfg,
		buffer:        make(chan *Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues an entry for the flush goroutine.
// It never blocks the request path: when the buffer is full the entry is dropped
// with a warning, and after Close it is dropped silently.
func (l *Logger) Write(entry *Entry) {
	if entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		// Buffer full: the store is falling behind
		requestID := entry.RequestID
		if requestID == "" {
			requestID = "unknown"
		}
		slog.Warn("extraction log buffer full, dropping entry",
			"request_id", requestID,
			"video_id", entry.VideoID,
		)
	}
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}

// Close stops accepting entries, writes out everything still buffered, flushes
// and closes the store. Call it during graceful shutdown.
// Close is idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	// Signal the flush loop and wait for its final drain
	close(l.done)
	l.wg.Wait()

	return l.store.Close()
}

// flushLoop owns the pending batch. It exits after draining the buffer once
// done is closed.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			// No Write can send any more; drain what is left
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush extraction log store", "error", err)
			}
			cancel()
			return
		}
	}
}

// flushBatch writes one batch. A failing store loses the batch but never stops
// the loop.
func (l *Logger) flushBatch(batch []*Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write extraction log batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopLogger discards entries (used when the extraction log is disabled)
type NoopLogger struct{}

// Write does nothing
func (l *NoopLogger) Write(_ *Entry) {}

// Config returns an empty config
func (l *NoopLogger) Config() Config {
	return Config{Enabled: false}
}

// Close does nothing
func (l *NoopLogger) Close() error {
	return nil
}

// LoggerInterface is satisfied by both Logger and NoopLogger
type LoggerInterface interface {
	Write(entry *Entry)
	Config() Config
	Close() error
}
