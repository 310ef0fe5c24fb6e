package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioproxy/internal/core"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestController(cfg Config) (*Controller, *recordingSleeper) {
	rec := &recordingSleeper{}
	return New(cfg, WithSleep(rec.sleep)), rec
}

func TestDo_RateLimitedExhaustsWithDoublingDelays(t *testing.T) {
	base := 100 * time.Millisecond
	c, rec := newTestController(Config{MaxAttempts: 3, BaseDelay: base, MaxDelay: time.Minute})

	calls := 0
	attempts, err := c.Do(context.Background(), nil, func(_ context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		return core.NewRateLimitError("too many requests", nil)
	})

	require.Error(t, err)
	assert.True(t, core.IsRateLimited(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{base, 2 * base}, rec.delays)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	c, rec := newTestController(Config{MaxAttempts: 3, BaseDelay: time.Second})

	calls := 0
	attempts, err := c.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		if calls == 1 {
			return core.NewRateLimitError("429", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestDo_NonRetryableErrorsFailImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"authentication", core.NewAuthenticationError("sign in to confirm your age", nil)},
		{"not found", core.NewNotFoundError("no audio formats")},
		{"provider", core.NewProviderError("boom", nil)},
		{"plain error", errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestController(Config{MaxAttempts: 5, BaseDelay: time.Second})

			calls := 0
			attempts, err := c.Do(context.Background(), nil, func(context.Context, int) error {
				calls++
				return tt.err
			})

			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, 1, attempts)
			assert.Empty(t, rec.delays)
		})
	}
}

func TestDo_RotationSkipsWait(t *testing.T) {
	c, rec := newTestController(Config{MaxAttempts: 3, BaseDelay: time.Second})

	rotations := 0
	calls := 0
	_, err := c.Do(context.Background(), func() bool {
		rotations++
		return true
	}, func(context.Context, int) error {
		calls++
		return core.NewRateLimitError("429", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, rotations)
	assert.Empty(t, rec.delays)
}

func TestDo_EmptyPoolFallsBackToBackoff(t *testing.T) {
	c, rec := newTestController(Config{MaxAttempts: 2, BaseDelay: time.Second})

	_, err := c.Do(context.Background(), func() bool { return false }, func(context.Context, int) error {
		return core.NewRateLimitError("429", nil)
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(Config{MaxAttempts: 3, BaseDelay: time.Hour})

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, nil, func(context.Context, int) error {
			calls++
			return core.NewRateLimitError("429", nil)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestCalculateBackoff(t *testing.T) {
	c := New(Config{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{8, 5 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, c.calculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultConfig(), c.Config())
}
