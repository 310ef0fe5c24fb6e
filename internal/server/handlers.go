// Package server provides HTTP handlers and server setup for the audio proxy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"audioproxy/internal/audio"
	"audioproxy/internal/auth"
	"audioproxy/internal/core"
	"audioproxy/internal/observability"
)

// Service is the orchestration layer behind the handlers.
type Service interface {
	Lookup(ctx context.Context, videoID string) (*audio.Result, error)
	OpenStream(ctx context.Context, videoID, rangeHeader string) (*audio.Stream, error)
	ReloadCredentials() (*auth.Context, error)
	RefreshProxies(ctx context.Context) ([]string, error)
	Stats() audio.Stats
}

// Handler holds the HTTP handlers
type Handler struct {
	service Service
	version string
}

// NewHandler creates a new handler with the given service
func NewHandler(service Service, version string) *Handler {
	return &Handler{
		service: service,
		version: version,
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status          string  `json:"status"`
	CookiesLoaded   bool    `json:"cookiesLoaded"`
	CookieCount     int     `json:"cookieCount"`
	AuthType        string  `json:"authType"`
	CacheSize       int     `json:"cacheSize"`
	FormatCacheSize int     `json:"formatCacheSize"`
	QueueSize       int     `json:"queueSize"`
	ProxyCount      int     `json:"proxyCount"`
	Uptime          float64 `json:"uptime"`
	Version         string  `json:"version,omitempty"`
}

// ReloadResponse is the body of POST /reload-cookies
type ReloadResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	CookieCount int    `json:"cookieCount"`
}

// RefreshResponse is the body of POST /refresh-proxies
type RefreshResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Count   int      `json:"count"`
	Proxies []string `json:"proxies"`
}

// Metadata handles GET /mp3/:videoId
func (h *Handler) Metadata(c echo.Context) error {
	res, err := h.service.Lookup(c.Request().Context(), videoIDParam(c))
	if err != nil {
		return handleError(c, err)
	}

	body, err := json.Marshal(res.Response())
	if err != nil {
		return handleError(c, core.NewProviderError("failed to encode response", err))
	}

	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	c.Response().Header().Set("ETag", etag)
	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == etag {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSONBlob(http.StatusOK, body)
}

// Stream handles GET /stream/:videoId
func (h *Handler) Stream(c echo.Context) error {
	videoID := videoIDParam(c)
	stream, err := h.service.OpenStream(c.Request().Context(), videoID, c.Request().Header.Get("Range"))
	if err != nil {
		return handleError(c, err)
	}
	defer func() {
		_ = stream.Body.Close() //nolint:errcheck
	}()

	header := c.Response().Header()
	for key, values := range stream.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if header.Get("Accept-Ranges") == "" {
		header.Set("Accept-Ranges", "bytes")
	}
	c.Response().WriteHeader(stream.StatusCode)

	n, err := io.Copy(c.Response(), stream.Body)
	observability.Streamed(n)
	if err != nil {
		// Can't return error after headers are sent, log it
		slog.Debug("stream copy ended early", "video_id", videoID, "bytes", n, "error", err)
	}
	return nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	stats := h.service.Stats()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:          "ok",
		CookiesLoaded:   stats.CookiesLoaded,
		CookieCount:     stats.CookieCount,
		AuthType:        stats.AuthType,
		CacheSize:       stats.CacheSize,
		FormatCacheSize: stats.FormatCacheSize,
		QueueSize:       stats.QueueSize,
		ProxyCount:      stats.ProxyCount,
		Uptime:          stats.Uptime.Seconds(),
		Version:         h.version,
	})
}

// ReloadCookies handles POST /reload-cookies
func (h *Handler) ReloadCookies(c echo.Context) error {
	creds, err := h.service.ReloadCredentials()
	if err != nil {
		slog.Error("cookie reload failed", "error", err)
		return c.JSON(http.StatusInternalServerError, ReloadResponse{
			Success: false,
			Message: "failed to reload cookies: " + err.Error(),
		})
	}

	message := fmt.Sprintf("loaded %d cookies", creds.CookieCount())
	if creds.Source != "" {
		message += " from " + creds.Source
	}
	return c.JSON(http.StatusOK, ReloadResponse{
		Success:     true,
		Message:     message,
		CookieCount: creds.CookieCount(),
	})
}

// RefreshProxies handles POST /refresh-proxies
func (h *Handler) RefreshProxies(c echo.Context) error {
	proxies, err := h.service.RefreshProxies(c.Request().Context())
	if err != nil {
		slog.Error("proxy refresh failed", "error", err)
		return c.JSON(http.StatusInternalServerError, RefreshResponse{
			Success: false,
			Message: "failed to refresh proxies: " + err.Error(),
			Proxies: []string{},
		})
	}
	if proxies == nil {
		proxies = []string{}
	}
	return c.JSON(http.StatusOK, RefreshResponse{
		Success: true,
		Count:   len(proxies),
		Proxies: proxies,
	})
}

func videoIDParam(c echo.Context) string {
	return strings.TrimSpace(c.Param("videoId"))
}

func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		status := gatewayErr.HTTPStatusCode()
		attrs := []any{
			"type", gatewayErr.Type,
			"status", status,
			"request_id", core.GetRequestID(c.Request().Context()),
			"error", err,
		}
		if gatewayErr.VideoID != "" {
			attrs = append(attrs, "video_id", gatewayErr.VideoID)
		}
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", attrs...)
		} else {
			slog.Warn("request failed", attrs...)
		}
		return c.JSON(status, gatewayErr.ToJSON())
	}

	if errors.Is(err, context.Canceled) {
		slog.Debug("client went away", "request_id", core.GetRequestID(c.Request().Context()))
	} else {
		slog.Error("unexpected error", "request_id", core.GetRequestID(c.Request().Context()), "error", err)
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
