package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioproxy/internal/audio"
	"audioproxy/internal/auth"
	"audioproxy/internal/core"
)

const testVideoID = "dQw4w9WgXcQ"

// mockService implements Service for testing
type mockService struct {
	result     *audio.Result
	stream     *audio.Stream
	creds      *auth.Context
	proxies    []string
	stats      audio.Stats
	err        error
	lastRange  string
	lookups    int
	lastLookup string
}

func (m *mockService) Lookup(_ context.Context, videoID string) (*audio.Result, error) {
	m.lookups++
	m.lastLookup = videoID
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockService) OpenStream(_ context.Context, _ string, rangeHeader string) (*audio.Stream, error) {
	m.lastRange = rangeHeader
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

func (m *mockService) ReloadCredentials() (*auth.Context, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.creds, nil
}

func (m *mockService) RefreshProxies(context.Context) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.proxies, nil
}

func (m *mockService) Stats() audio.Stats {
	return m.stats
}

func sampleResult() *audio.Result {
	format := core.Format{Itag: 251, MimeType: `audio/webm; codecs="opus"`, URL: "http://media/a", Bitrate: 160000, ContentLength: 10}
	return &audio.Result{
		Info: &core.StreamInfo{
			VideoID: testVideoID,
			Details: core.VideoDetails{VideoID: testVideoID, Title: "Never Gonna Give You Up", Author: "Rick Astley"},
			Formats: []core.Format{
				{Itag: 18, MimeType: "video/mp4", URL: "http://media/v"},
				format,
			},
		},
		Format: format,
	}
}

func serve(t *testing.T, srv http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestMetadata(t *testing.T) {
	mock := &mockService{result: sampleResult()}
	srv := New(mock, nil)

	rec := serve(t, srv, http.MethodGet, "/mp3/"+testVideoID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testVideoID, mock.lastLookup)

	var body struct {
		VideoDetails      core.VideoDetails `json:"videoDetails"`
		AudioFormats      []core.Format     `json:"audioFormats"`
		RecommendedFormat core.Format       `json:"recommendedFormat"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Never Gonna Give You Up", body.VideoDetails.Title)
	assert.Len(t, body.AudioFormats, 1)
	assert.Equal(t, 251, body.RecommendedFormat.Itag)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, srv, http.MethodGet, "/mp3/"+testVideoID, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMetadata_InvalidIDNeverReachesService(t *testing.T) {
	mock := &mockService{result: sampleResult()}
	srv := New(mock, nil)

	rec := serve(t, srv, http.MethodGet, "/mp3/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
	assert.Equal(t, 0, mock.lookups)
}

func TestMetadata_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"auth", core.NewAuthenticationError("Sign in to confirm you're not a bot", nil), http.StatusUnauthorized, "authentication_error"},
		{"not found", core.NewNotFoundError("no audio formats found"), http.StatusNotFound, "not_found_error"},
		{"rate limit", core.NewRateLimitError("too many requests", nil), http.StatusTooManyRequests, "rate_limit_error"},
		{"overloaded", core.NewOverloadedError("extraction queue is full", nil), http.StatusServiceUnavailable, "overloaded_error"},
		{"provider", core.NewProviderError("boom", nil), http.StatusInternalServerError, "provider_error"},
		{"unexpected", errors.New("raw"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(&mockService{err: tt.err}, nil)
			rec := serve(t, srv, http.MethodGet, "/mp3/"+testVideoID, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body["error"]["type"])
			assert.NotEmpty(t, body["error"]["message"])
		})
	}
}

func TestStream(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "audio/webm")
	header.Set("Content-Length", "4")
	header.Set("Content-Range", "bytes 0-3/10")
	mock := &mockService{stream: &audio.Stream{
		Body:       io.NopCloser(strings.NewReader("0123")),
		StatusCode: http.StatusPartialContent,
		Header:     header,
	}}
	srv := New(mock, nil)

	rec := serve(t, srv, http.MethodGet, "/stream/"+testVideoID, map[string]string{"Range": "bytes=0-3"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes=0-3", mock.lastRange)
	assert.Equal(t, "audio/webm", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes 0-3/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "0123", rec.Body.String())
}

func TestStream_Error(t *testing.T) {
	srv := New(&mockService{err: core.NewAuthenticationError("login required", nil)}, nil)
	rec := serve(t, srv, http.MethodGet, "/stream/"+testVideoID, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_error")
}

func TestHealth(t *testing.T) {
	mock := &mockService{stats: audio.Stats{
		CookiesLoaded:   true,
		CookieCount:     3,
		AuthType:        "cookies",
		CacheSize:       2,
		FormatCacheSize: 1,
		QueueSize:       4,
		ProxyCount:      5,
		Uptime:          90 * time.Second,
	}}
	srv := New(mock, &Config{Version: "1.2.3"})

	rec := serve(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthResponse{
		Status:          "ok",
		CookiesLoaded:   true,
		CookieCount:     3,
		AuthType:        "cookies",
		CacheSize:       2,
		FormatCacheSize: 1,
		QueueSize:       4,
		ProxyCount:      5,
		Uptime:          90,
		Version:         "1.2.3",
	}, body)
}

func TestReloadCookies(t *testing.T) {
	creds := &auth.Context{
		Cookies: []*http.Cookie{{Name: "SID", Value: "a"}, {Name: "HSID", Value: "b"}},
		Source:  "cookies.txt",
	}
	srv := New(&mockService{creds: creds}, nil)

	rec := serve(t, srv, http.MethodPost, "/reload-cookies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.CookieCount)
	assert.Contains(t, body.Message, "cookies.txt")
}

func TestReloadCookies_Failure(t *testing.T) {
	srv := New(&mockService{err: errors.New("bad cookie file")}, nil)

	rec := serve(t, srv, http.MethodPost, "/reload-cookies", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Contains(t, body.Message, "bad cookie file")
}

func TestRefreshProxies(t *testing.T) {
	srv := New(&mockService{proxies: []string{"http://p1:1", "http://p2:2"}}, nil)

	rec := serve(t, srv, http.MethodPost, "/refresh-proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []string{"http://p1:1", "http://p2:2"}, body.Proxies)

	srv = New(&mockService{err: errors.New("list unreachable")}, nil)
	rec = serve(t, srv, http.MethodPost, "/refresh-proxies", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}
