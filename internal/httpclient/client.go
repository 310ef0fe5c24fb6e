// Package httpclient builds the outbound HTTP clients used for extraction and stream
// piping, one pooled transport per proxy address.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"audioproxy/internal/core"
)

// ClientConfig holds configuration options for creating HTTP clients
type ClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections to keep per-host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive) connection will remain idle before closing itself
	IdleConnTimeout time.Duration

	// Timeout bounds metadata requests. Stream clients ignore it so long downloads are not cut off.
	Timeout time.Duration

	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete
	DialTimeout time.Duration

	// KeepAlive specifies the interval between keep-alive probes for an active network connection
	KeepAlive time.Duration

	// TLSHandshakeTimeout specifies the maximum amount of time to wait for a TLS handshake
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout specifies the amount of time to wait for a server's response headers
	ResponseHeaderTimeout time.Duration
}

// getEnvDuration reads a duration from an environment variable, returning the default if not set or invalid.
// Accepts either plain integers (interpreted as seconds) or Go duration strings (e.g., "10m", "1h30m").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}

// DefaultConfig returns a ClientConfig with defaults for upstream calls.
// Can be overridden via environment variables (values in seconds, or Go duration format):
//   - HTTP_TIMEOUT: metadata request timeout (default: 30)
//   - HTTP_RESPONSE_HEADER_TIMEOUT: time to wait for response headers (default: 30)
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: getEnvDuration("HTTP_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
	}
}

// Factory hands out clients that share one transport per proxy address, so repeated
// calls through the same proxy reuse connections.
type Factory struct {
	config ClientConfig

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewFactory creates a Factory. If config is nil, DefaultConfig() is used.
func NewFactory(config *ClientConfig) *Factory {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}
	return &Factory{config: *config, transports: make(map[string]*http.Transport)}
}

// Client returns a metadata client routed through proxyAddr (empty for direct) with
// credentials applied by dec, which may be nil.
func (f *Factory) Client(proxyAddr string, dec core.ClientDecorator) (*http.Client, error) {
	return f.build(proxyAddr, dec, f.config.Timeout)
}

// StreamClient is like Client but without an overall timeout.
func (f *Factory) StreamClient(proxyAddr string, dec core.ClientDecorator) (*http.Client, error) {
	return f.build(proxyAddr, dec, 0)
}

func (f *Factory) build(proxyAddr string, dec core.ClientDecorator, timeout time.Duration) (*http.Client, error) {
	transport, err := f.transport(proxyAddr)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	if dec != nil {
		dec.Apply(client)
	}
	return client, nil
}

func (f *Factory) transport(proxyAddr string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.transports[proxyAddr]; ok {
		return t, nil
	}

	proxy := http.ProxyFromEnvironment
	if proxyAddr != "" {
		u, err := url.Parse(proxyAddr)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy address %q", proxyAddr)
		}
		proxy = http.ProxyURL(u)
	}

	t := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   f.config.DialTimeout,
			KeepAlive: f.config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          f.config.MaxIdleConns,
		MaxIdleConnsPerHost:   f.config.MaxIdleConnsPerHost,
		IdleConnTimeout:       f.config.IdleConnTimeout,
		TLSHandshakeTimeout:   f.config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: f.config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}
	f.transports[proxyAddr] = t
	return t, nil
}

// Prune closes idle connections of every transport whose proxy is not in keep and forgets
// it. Call it after the proxy list changes.
func (f *Factory) Prune(keep []string) {
	wanted := make(map[string]struct{}, len(keep)+1)
	wanted[""] = struct{}{}
	for _, addr := range keep {
		wanted[addr] = struct{}{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, t := range f.transports {
		if _, ok := wanted[addr]; !ok {
			t.CloseIdleConnections()
			delete(f.transports, addr)
		}
	}
}

// CloseIdleConnections closes idle connections on every transport.
func (f *Factory) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}
