// Package retry wraps extraction calls with bounded exponential backoff on upstream
// throttling.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"audioproxy/internal/core"
)

// Config holds the backoff schedule.
type Config struct {
	MaxAttempts int           // Total attempts including the first (default: 3)
	BaseDelay   time.Duration // Delay after the first failure (default: 1s)
	MaxDelay    time.Duration // Upper bound on any single delay (default: 30s)
}

// DefaultConfig returns the default backoff schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Call performs one attempt. attempt is zero-based.
type Call func(ctx context.Context, attempt int) error

// RotateFunc reports whether the next attempt will go out through a different proxy,
// in which case the backoff wait is skipped.
type RotateFunc func() bool

// Controller retries rate-limited calls. Authentication failures and unclassified
// errors are returned immediately.
type Controller struct {
	config  Config
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the wait function (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithRetryHook registers a callback invoked before every retry.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(c *Controller) { c.onRetry = fn }
}

// New creates a Controller, filling zero fields from DefaultConfig.
func New(config Config, opts ...Option) *Controller {
	defaults := DefaultConfig()
	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	c := &Controller{config: config, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective schedule.
func (c *Controller) Config() Config {
	return c.config
}

// Do runs call until it succeeds, fails with a non-retryable error, or MaxAttempts is
// exhausted. It returns the number of attempts made alongside the final error.
func (c *Controller) Do(ctx context.Context, rotate RotateFunc, call Call) (int, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = call(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !core.IsRateLimited(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == c.config.MaxAttempts-1 {
			break
		}

		if rotate != nil && rotate() {
			slog.Info("rate limited, rotating proxy", "attempt", attempt+1, "error", lastErr)
			if c.onRetry != nil {
				c.onRetry(attempt+1, 0, lastErr)
			}
			continue
		}

		delay := c.calculateBackoff(attempt)
		slog.Info("rate limited, backing off", "attempt", attempt+1, "delay", delay, "error", lastErr)
		if c.onRetry != nil {
			c.onRetry(attempt+1, delay, lastErr)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return attempt + 1, err
		}
	}
	return c.config.MaxAttempts, lastErr
}

// calculateBackoff returns 2^attempt * BaseDelay, capped at MaxDelay.
func (c *Controller) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.config.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(c.config.MaxDelay) {
		backoff = float64(c.config.MaxDelay)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
