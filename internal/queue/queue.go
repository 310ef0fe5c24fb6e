// Package queue serializes outbound extraction calls behind a single worker with a fixed
// spacing between calls.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when the queue already holds MaxDepth waiting tasks.
	ErrQueueFull = errors.New("extraction queue is full")
	// ErrQueueClosed is returned for tasks submitted to, or still waiting in, a closed queue.
	ErrQueueClosed = errors.New("extraction queue is closed")
)

// Task is a unit of work. The context passed in is the queue's own lifetime context,
// not the submitter's, so a departing caller does not abort a task already accepted.
type Task func(ctx context.Context) error

// Config holds queue configuration.
type Config struct {
	Delay    time.Duration // Minimum spacing between the end of one task and the start of the next (default: 1s)
	MaxDepth int           // Waiting tasks allowed before Enqueue rejects (default: 100)
}

type item struct {
	task   Task
	result chan error
}

// Queue runs tasks one at a time in FIFO order.
type Queue struct {
	config   Config
	items    chan *item
	done     chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int32

	// mu guards closed and every send on items, so no send can follow Close.
	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	onTask func(wait, run time.Duration, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithTaskHook registers a callback invoked after every task with the time it spent
// waiting, the time it ran, and its result.
func WithTaskHook(fn func(wait, run time.Duration, err error)) Option {
	return func(q *Queue) { q.onTask = fn }
}

// New creates a Queue and starts its worker.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		config: cfg,
		items:  make(chan *item, cfg.MaxDepth),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Add(1)
	go q.drainLoop()

	return q
}

// Enqueue submits task without blocking. The returned channel receives the task's
// result exactly once.
func (q *Queue) Enqueue(task Task) (<-chan error, error) {
	it := &item{task: wrapTask(task, q.onTask), result: make(chan error, 1)}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	select {
	case q.items <- it:
		return it.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Do submits task and waits for its result or for ctx to end. When ctx ends first the
// task stays queued and still runs.
func (q *Queue) Do(ctx context.Context, task Task) error {
	result, err := q.Enqueue(task)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of waiting tasks plus the one running, if any.
func (q *Queue) Len() int {
	return len(q.items) + int(q.inflight.Load())
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.config
}

// Close stops the worker. The running task, if any, sees its context cancelled; tasks
// still waiting fail with ErrQueueClosed. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	close(q.done)
	q.wg.Wait()
	return nil
}

func (q *Queue) drainLoop() {
	defer q.wg.Done()

	for {
		select {
		case it := <-q.items:
			q.run(it)

			if q.config.Delay > 0 {
				timer := time.NewTimer(q.config.Delay)
				select {
				case <-timer.C:
				case <-q.done:
					timer.Stop()
					q.rejectPending()
					return
				}
			}

		case <-q.done:
			q.rejectPending()
			return
		}
	}
}

func (q *Queue) run(it *item) {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("extraction task panicked", "panic", r)
			it.result <- errors.New("extraction task panicked")
		}
	}()

	it.result <- it.task(q.ctx)
}

// rejectPending fails every waiting task. Only the worker calls it, after Close has
// stopped new submissions.
func (q *Queue) rejectPending() {
	close(q.items)
	for it := range q.items {
		it.result <- ErrQueueClosed
	}
}

func wrapTask(task Task, hook func(wait, run time.Duration, err error)) Task {
	if hook == nil {
		return task
	}
	queuedAt := time.Now()
	return func(ctx context.Context) error {
		start := time.Now()
		err := task(ctx)
		hook(start.Sub(queuedAt), time.Since(start), err)
		return err
	}
}
