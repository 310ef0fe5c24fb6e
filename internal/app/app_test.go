package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioproxy/config"
	"audioproxy/internal/core"
	"audioproxy/internal/storage"
)

const testVideoID = "dQw4w9WgXcQ"

type stubExtractor struct {
	mu      sync.Mutex
	calls   int
	proxies []string
}

func (s *stubExtractor) Fetch(_ context.Context, videoID string, opts core.FetchOptions) (*core.StreamInfo, error) {
	s.mu.Lock()
	s.calls++
	s.proxies = append(s.proxies, opts.Proxy)
	s.mu.Unlock()
	return &core.StreamInfo{
		VideoID: videoID,
		Details: core.VideoDetails{VideoID: videoID, Title: "Test"},
		Formats: []core.Format{
			{Itag: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, URL: "http://media/140", Bitrate: 128000},
			{Itag: 251, MimeType: `audio/webm; codecs="opus"`, URL: "http://media/251", Bitrate: 160000},
		},
		FetchedAt: time.Now(),
	}, nil
}

func (s *stubExtractor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// testConfig returns defaults pointed at a temp dir, with no queue spacing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Config{
		Server: config.ServerConfig{Port: "0", MetricsEndpoint: "/metrics"},
		HTTP:   config.HTTPConfig{Timeout: 5 * time.Second, ResponseHeaderTimeout: 5 * time.Second},
		Cache: config.CacheConfig{
			TTL:         time.Hour,
			Capacity:    10,
			Store:       config.CacheStoreLevelDB,
			LevelDBPath: filepath.Join(dir, "cache"),
		},
		Retry: config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Queue: config.QueueConfig{MaxDepth: 10},
		Proxy: config.ProxyConfig{FetchTimeout: time.Second},
		Auth:  config.AuthConfig{CookiesFile: filepath.Join(dir, "missing-cookies.txt")},
		ExtractLog: config.ExtractLogConfig{
			Enabled:       true,
			BufferSize:    100,
			FlushInterval: time.Hour,
			RetentionDays: 0,
		},
		Storage: config.StorageConfig{
			Type:   config.StorageSQLite,
			SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "audioproxy.db")},
		},
	}
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config, ext core.Extractor) *App {
	t.Helper()
	a, err := New(context.Background(), Config{
		AppConfig: &config.LoadResult{Config: cfg},
		Version:   "test",
		Extractor: ext,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{AppConfig: &config.LoadResult{}})
	assert.Error(t, err)
}

func TestNew_UnknownCacheStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Store = "memcached"

	_, err := New(context.Background(), Config{AppConfig: &config.LoadResult{Config: cfg}, Extractor: &stubExtractor{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache store")
}

func TestApp_LookupEndToEnd(t *testing.T) {
	ext := &stubExtractor{}
	a := newTestApp(t, testConfig(t), ext)

	rec := get(t, a.Handler(), "/mp3/"+testVideoID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body core.AudioResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 251, body.RecommendedFormat.Itag)
	assert.Len(t, body.AudioFormats, 2)

	rec = get(t, a.Handler(), "/mp3/"+testVideoID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ext.Calls())

	rec = get(t, a.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		CacheSize int    `json:"cacheSize"`
		Version   string `json:"version"`
		AuthType  string `json:"authType"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, 1, health.CacheSize)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "none", health.AuthType)
}

func TestApp_CacheSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExtractLog.Enabled = false

	first := &stubExtractor{}
	a, err := New(context.Background(), Config{AppConfig: &config.LoadResult{Config: cfg}, Extractor: first})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get(t, a.Handler(), "/mp3/"+testVideoID).Code)
	require.NoError(t, a.Shutdown(context.Background()))

	second := &stubExtractor{}
	b := newTestApp(t, cfg, second)
	require.Equal(t, http.StatusOK, get(t, b.Handler(), "/mp3/"+testVideoID).Code)
	assert.Equal(t, 0, second.Calls(), "second instance should be served from the leveldb store")
}

func TestApp_ExtractionLogFlushedOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), Config{AppConfig: &config.LoadResult{Config: cfg}, Extractor: &stubExtractor{}})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, get(t, a.Handler(), "/mp3/"+testVideoID).Code)
	require.Equal(t, http.StatusOK, get(t, a.Handler(), "/mp3/"+testVideoID).Code)
	require.NoError(t, a.Shutdown(context.Background()))

	store, err := storage.NewSQLite(storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path})
	require.NoError(t, err)
	defer store.Close()

	var total, hits int
	require.NoError(t, store.SQLiteDB().QueryRow(`SELECT COUNT(*), COALESCE(SUM(cache_hit), 0) FROM extractions`).Scan(&total, &hits))
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, hits)
}

func TestApp_ProxyRotationFromList(t *testing.T) {
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "10.0.0.1:8080")
		fmt.Fprintln(w, "10.0.0.2:8080")
	}))
	defer list.Close()

	cfg := testConfig(t)
	cfg.Proxy.ListURL = list.URL
	cfg.Proxy.RefreshInterval = time.Hour

	ext := &stubExtractor{}
	a := newTestApp(t, cfg, ext)
	a.StartBackground(context.Background())

	assert.Equal(t, 2, a.Service().Stats().ProxyCount)

	require.Equal(t, http.StatusOK, get(t, a.Handler(), "/mp3/"+testVideoID).Code)
	require.Equal(t, []string{"http://10.0.0.1:8080"}, ext.proxies)
}

func TestApp_ProxyListRecoversAfterFailedStartup(t *testing.T) {
	var fetches atomic.Int32
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fetches.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "10.0.0.1:8080")
		fmt.Fprintln(w, "10.0.0.2:8080")
	}))
	defer list.Close()

	cfg := testConfig(t)
	cfg.Proxy.ListURL = list.URL
	cfg.Proxy.RefreshInterval = time.Hour

	ext := &stubExtractor{}
	a := newTestApp(t, cfg, ext)
	a.StartBackground(context.Background())
	require.Equal(t, 0, a.Service().Stats().ProxyCount)

	require.Equal(t, http.StatusOK, get(t, a.Handler(), "/mp3/"+testVideoID).Code)
	assert.Equal(t, int32(2), fetches.Load())
	assert.Equal(t, []string{"http://10.0.0.1:8080"}, ext.proxies)
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), Config{AppConfig: &config.LoadResult{Config: cfg}, Extractor: &stubExtractor{}})
	require.NoError(t, err)
	a.StartBackground(context.Background())

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}
