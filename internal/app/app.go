// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the audio proxy.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"audioproxy/config"
	"audioproxy/internal/audio"
	"audioproxy/internal/auth"
	"audioproxy/internal/cache"
	"audioproxy/internal/core"
	"audioproxy/internal/extractlog"
	"audioproxy/internal/extractor"
	"audioproxy/internal/httpclient"
	"audioproxy/internal/observability"
	"audioproxy/internal/proxypool"
	"audioproxy/internal/queue"
	"audioproxy/internal/retry"
	"audioproxy/internal/server"
	"audioproxy/internal/storage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config     *config.Config
	cacheStore cache.Store
	clients    *httpclient.Factory
	queue      *queue.Queue
	proxies    *proxypool.Pool
	auth       *auth.Provider
	extractLog *extractlog.Result
	service    *audio.Service
	server     *server.Server

	stopLoops []func()

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the result of config.Load.
	AppConfig *config.LoadResult

	// Version is reported by /health.
	Version string

	// Extractor replaces the YouTube extractor. Nil uses extractor.NewYouTube.
	Extractor core.Extractor
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}

	appCfg := cfg.AppConfig.Config
	app := &App{config: appCfg}

	store, err := newCacheStore(appCfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache store: %w", err)
	}
	app.cacheStore = store

	extractLog, err := extractlog.New(ctx, extractLogConfig(appCfg.ExtractLog), storageConfig(appCfg.Storage))
	if err != nil {
		if closeErr := app.closeCacheStore(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize extraction log: %w (also: cache store close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize extraction log: %w", err)
	}
	app.extractLog = extractLog

	app.clients = httpclient.NewFactory(&httpclient.ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       httpclient.DefaultConfig().IdleConnTimeout,
		Timeout:               appCfg.HTTP.Timeout,
		DialTimeout:           httpclient.DefaultConfig().DialTimeout,
		KeepAlive:             httpclient.DefaultConfig().KeepAlive,
		TLSHandshakeTimeout:   httpclient.DefaultConfig().TLSHandshakeTimeout,
		ResponseHeaderTimeout: appCfg.HTTP.ResponseHeaderTimeout,
	})

	app.queue = queue.New(queue.Config{
		Delay:    appCfg.Queue.Delay,
		MaxDepth: appCfg.Queue.MaxDepth,
	}, queue.WithTaskHook(observability.QueueTask))

	app.proxies = newProxyPool(appCfg.Proxy, app.clients)

	expiry, err := appCfg.OAuthExpiryTime()
	if err != nil {
		closeErr := errors.Join(app.queue.Close(), app.extractLog.Close(), app.closeCacheStore())
		if closeErr != nil {
			return nil, fmt.Errorf("invalid credentials config: %w (also: close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("invalid credentials config: %w", err)
	}
	app.auth = auth.NewProvider(auth.Sources{
		CookiesFile: appCfg.Auth.CookiesFile,
		Cookies:     appCfg.Auth.Cookies,
		OAuthToken:  appCfg.Auth.OAuthToken,
		OAuthExpiry: expiry,
	})
	app.auth.SetReloadHook(func(_ *auth.Context, err error) { observability.AuthReload(err) })
	// A bad cookie file at startup is logged and the proxy runs unauthenticated.
	_, _ = app.auth.Reload()

	extract := cfg.Extractor
	if extract == nil {
		extract = extractor.NewYouTube(app.clients)
	}

	service, err := audio.New(audio.Options{
		Extractor: extract,
		Metadata:  newTiered[*core.StreamInfo](appCfg.Cache, store, audio.CacheMetadata),
		Formats:   newTiered[core.Format](appCfg.Cache, store, audio.CacheFormat),
		Retry: retry.New(retry.Config{
			MaxAttempts: appCfg.Retry.MaxAttempts,
			BaseDelay:   appCfg.Retry.BaseDelay,
			MaxDelay:    appCfg.Retry.MaxDelay,
		}, retry.WithRetryHook(func(_ int, delay time.Duration, _ error) { observability.Retry(delay) })),
		Queue:   app.queue,
		Proxies: app.proxies,
		Auth:    app.auth,
		Streams: app.clients,
		Log:     extractLog.Logger,
	})
	if err != nil {
		closeErr := errors.Join(app.queue.Close(), app.extractLog.Close(), app.closeCacheStore())
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize audio service: %w (also: close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize audio service: %w", err)
	}
	app.service = service

	app.logStartupInfo(cfg.AppConfig.ConfigFile)

	app.server = server.New(service, &server.Config{
		AdminKey:        appCfg.Server.AdminKey,
		MetricsEnabled:  appCfg.Server.MetricsEnabled,
		MetricsEndpoint: appCfg.Server.MetricsEndpoint,
		RateLimitRPS:    appCfg.Server.RateLimitRPS,
		RateLimitBurst:  appCfg.Server.RateLimitBurst,
		Version:         cfg.Version,
	})

	return app, nil
}

// StartBackground performs the initial proxy fetch and starts the periodic loops:
// cache sweep, proxy refresh and credential reload. Loops stop on Shutdown.
func (a *App) StartBackground(ctx context.Context) {
	if a.proxies.Enabled() {
		if err := a.proxies.ForceRefresh(ctx); err != nil {
			slog.Warn("initial proxy fetch failed, continuing direct", "error", err)
		}
	}

	a.stopLoops = append(a.stopLoops,
		a.service.StartBackgroundSweep(a.config.Cache.SweepInterval),
		a.proxies.StartBackgroundRefresh(a.config.Proxy.RefreshInterval),
		a.auth.StartBackgroundReload(a.config.Auth.RefreshInterval),
	)
}

// Service returns the audio service.
func (a *App) Service() *audio.Service {
	return a.service
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown via server.Shutdown(ctx), honoring the passed context timeout/cancellation.
// 2. Background loops (sweep, proxy refresh, credential reload).
// 3. Extraction queue close (rejects waiting lookups).
// 4. Extraction log close (flushes pending entries, then closes storage).
// 5. Cache store close.
// 6. Idle upstream connections.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every close step, aggregates failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Stop accepting new requests
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Stop background loops
	for _, stop := range a.stopLoops {
		stop()
	}

	// 3. Close the extraction queue
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			slog.Error("queue close error", "error", err)
			errs = append(errs, fmt.Errorf("queue close: %w", err))
		}
	}

	// 4. Close the extraction log (flushes pending entries)
	if a.extractLog != nil {
		if err := a.extractLog.Close(); err != nil {
			slog.Error("extraction log close error", "error", err)
			errs = append(errs, fmt.Errorf("extraction log close: %w", err))
		}
	}

	// 5. Close the shared cache store
	if err := a.closeCacheStore(); err != nil {
		slog.Error("cache store close error", "error", err)
		errs = append(errs, fmt.Errorf("cache store close: %w", err))
	}

	if a.clients != nil {
		a.clients.CloseIdleConnections()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeCacheStore() error {
	if a.cacheStore == nil {
		return nil
	}
	err := a.cacheStore.Close()
	a.cacheStore = nil
	return err
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(configFile string) {
	cfg := a.config

	if configFile != "" {
		slog.Info("configuration file loaded", "path", configFile)
	}

	if cfg.Server.AdminKey == "" {
		slog.Warn("ADMIN_KEY not set - /reload-cookies and /refresh-proxies are open to anyone",
			"recommendation", "set ADMIN_KEY to protect the admin endpoints")
	} else {
		slog.Info("admin endpoints protected", "mode", "admin_key")
	}

	if cfg.Server.MetricsEnabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("metadata cache configured",
		"ttl", cfg.Cache.TTL,
		"capacity", cfg.Cache.Capacity,
		"store", cfg.Cache.Store,
	)
	slog.Info("extraction queue configured",
		"delay", cfg.Queue.Delay,
		"max_depth", cfg.Queue.MaxDepth,
		"max_attempts", cfg.Retry.MaxAttempts,
	)

	if cfg.Proxy.ListURL != "" {
		slog.Info("proxy rotation enabled", "refresh_interval", cfg.Proxy.RefreshInterval)
	} else {
		slog.Info("proxy rotation disabled, extracting direct")
	}

	if cfg.ExtractLog.Enabled {
		slog.Info("extraction log enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.ExtractLog.BufferSize,
			"flush_interval", cfg.ExtractLog.FlushInterval,
			"retention_days", cfg.ExtractLog.RetentionDays,
		)
	} else {
		slog.Info("extraction log disabled")
	}
}

// newCacheStore opens the optional second-tier store. A nil store keeps caches
// memory-only.
func newCacheStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Store {
	case config.CacheStoreRedis:
		store, err := cache.NewRedisStore(cache.RedisConfig{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CacheStoreLevelDB:
		store, err := cache.NewLevelDBStore(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CacheStoreNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Store)
	}
}

func newTiered[V any](cfg config.CacheConfig, store cache.Store, name string) *cache.Tiered[V] {
	mem := cache.NewMemory[V](cfg.TTL, cfg.Capacity, cache.WithEvictionHook[V](func(n int) {
		observability.CacheEvicted(name, "capacity", n)
	}))
	return cache.NewTiered(mem, store, name+":")
}

// newProxyPool builds the pool. Each successful refresh drops pooled transports for
// addresses that left the list.
func newProxyPool(cfg config.ProxyConfig, clients *httpclient.Factory) *proxypool.Pool {
	var source proxypool.Source
	if cfg.ListURL != "" {
		source = proxypool.NewHTTPSource(cfg.ListURL, cfg.FetchTimeout)
	}

	var pool *proxypool.Pool
	pool = proxypool.New(source, cfg.RefreshInterval, proxypool.WithRefreshHook(func(count int, err error) {
		observability.ProxyRefresh(count, err)
		if err == nil {
			clients.Prune(pool.Addresses())
		}
	}))
	return pool
}

func extractLogConfig(cfg config.ExtractLogConfig) extractlog.Config {
	return extractlog.Config{
		Enabled:       cfg.Enabled,
		BufferSize:    cfg.BufferSize,
		FlushInterval: cfg.FlushInterval,
		RetentionDays: cfg.RetentionDays,
	}
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Type:       cfg.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.PostgreSQL.URL, MaxConns: cfg.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: cfg.MongoDB.URL, Database: cfg.MongoDB.Database},
	}
}
