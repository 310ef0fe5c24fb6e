package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Sources names where credentials come from. An inline cookie document wins over the
// cookie file; the bearer token is independent of both.
type Sources struct {
	CookiesFile string
	Cookies     string
	OAuthToken  string
	OAuthExpiry time.Time
}

// LoadCredentials reads every configured source and returns a fresh Context.
// A missing cookie file is not an error; a present but unparseable one is.
func LoadCredentials(src Sources) (*Context, error) {
	now := time.Now()
	ctx := &Context{
		Token:    src.OAuthToken,
		Expiry:   src.OAuthExpiry,
		LoadedAt: now,
	}

	switch {
	case src.Cookies != "":
		cookies, err := ParseCookies([]byte(src.Cookies), now)
		if err != nil {
			return nil, fmt.Errorf("parsing inline cookies: %w", err)
		}
		ctx.Cookies = cookies
		ctx.Source = "env"

	case src.CookiesFile != "":
		data, err := os.ReadFile(src.CookiesFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return nil, fmt.Errorf("reading cookies file: %w", err)
		}
		cookies, err := ParseCookies(data, now)
		if err != nil {
			return nil, fmt.Errorf("parsing cookies file %s: %w", src.CookiesFile, err)
		}
		ctx.Cookies = cookies
		ctx.Source = src.CookiesFile
	}

	if ctx.Source == "" && ctx.Token != "" {
		ctx.Source = "token"
	}
	return ctx, nil
}

// Provider holds the current Context. Readers get a point-in-time snapshot; Reload
// swaps it atomically.
type Provider struct {
	mu      sync.RWMutex
	current *Context
	sources Sources

	onReload func(ctx *Context, err error)
}

// NewProvider creates a provider with an empty context. Call Reload to load credentials.
func NewProvider(src Sources) *Provider {
	return &Provider{sources: src, current: &Context{}}
}

// SetReloadHook registers a callback invoked after every reload attempt.
func (p *Provider) SetReloadHook(fn func(ctx *Context, err error)) {
	p.mu.Lock()
	p.onReload = fn
	p.mu.Unlock()
}

// Current returns the current credentials snapshot. Never nil.
func (p *Provider) Current() *Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Reload re-reads the sources. On failure the previous context stays in place.
func (p *Provider) Reload() (*Context, error) {
	p.mu.RLock()
	src := p.sources
	hook := p.onReload
	p.mu.RUnlock()

	loaded, err := LoadCredentials(src)
	if hook != nil {
		hook(loaded, err)
	}
	if err != nil {
		slog.Warn("credential reload failed, keeping previous credentials", "error", err)
		return nil, err
	}

	p.mu.Lock()
	p.current = loaded
	p.mu.Unlock()

	slog.Info("credentials loaded",
		"type", loaded.Type(),
		"cookies", loaded.CookieCount(),
		"source", loaded.Source,
	)
	return loaded, nil
}

// StartBackgroundReload reloads credentials every interval until the returned function
// is called.
func (p *Provider) StartBackgroundReload(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
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
				_, _ = p.Reload()
			}
		}
	}()

	return cancel
}
