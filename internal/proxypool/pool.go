// Package proxypool hands out outbound proxy addresses round-robin from a list that is
// replaced wholesale on refresh.
package proxypool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool is a round-robin cursor over a periodically refreshed address list.
// A nil source leaves the pool permanently empty.
type Pool struct {
	mu            sync.Mutex
	addresses     []string
	cursor        int
	lastRefreshed time.Time

	source   Source
	interval time.Duration
	now      func() time.Time

	onRefresh func(count int, err error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRefreshHook registers a callback invoked after every fetch attempt. On success it
// runs after the new list is in place.
func WithRefreshHook(fn func(count int, err error)) Option {
	return func(p *Pool) { p.onRefresh = fn }
}

// New creates an empty pool.
func New(source Source, interval time.Duration, opts ...Option) *Pool {
	p := &Pool{source: source, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the address at the cursor and advances it. ok is false when the pool is
// empty.
func (p *Pool) Next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.addresses) == 0 {
		return "", false
	}
	addr := p.addresses[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.addresses)
	return addr, true
}

// Len returns the number of addresses.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addresses)
}

// Addresses returns a copy of the current list.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.addresses))
	copy(out, p.addresses)
	return out
}

// Enabled reports whether the pool has a source to refresh from.
func (p *Pool) Enabled() bool {
	return p.source != nil
}

// Refresh reloads the list unless the interval has not elapsed since the last refresh.
// An empty pool always refreshes.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.Lock()
	fresh := len(p.addresses) > 0 && p.now().Sub(p.lastRefreshed) < p.interval
	p.mu.Unlock()
	if fresh {
		return nil
	}
	return p.ForceRefresh(ctx)
}

// ForceRefresh reloads the list regardless of the interval. On failure the current
// list is kept.
func (p *Pool) ForceRefresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}

	addresses, err := p.source.Fetch(ctx)
	if err != nil {
		if p.onRefresh != nil {
			p.onRefresh(0, err)
		}
		return err
	}

	p.Replace(addresses)
	slog.Info("proxy list refreshed", "count", len(addresses))
	if p.onRefresh != nil {
		p.onRefresh(len(addresses), nil)
	}
	return nil
}

// Replace swaps in addresses and resets the cursor.
func (p *Pool) Replace(addresses []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses = append([]string(nil), addresses...)
	p.cursor = 0
	p.lastRefreshed = p.now()
}

// StartBackgroundRefresh refreshes the pool every interval until the returned function
// is called.
func (p *Pool) StartBackgroundRefresh(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	if p.source == nil || interval <= 0 {
		return cancel
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				if err := p.ForceRefresh(refreshCtx); err != nil {
					slog.Warn("background proxy refresh failed", "error", err)
				}
				refreshCancel()
			}
		}
	}()

	return cancel
}
