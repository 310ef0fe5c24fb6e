package server

import (
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"audioproxy/internal/core"
)

// RateLimit applies one process-wide token bucket to every request except those on
// skipPaths. rps <= 0 disables it.
func RateLimit(rps float64, burst int, skipPaths []string) echo.MiddlewareFunc {
	if rps <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if burst < 1 {
		burst = 1
	}

	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := skip[c.Request().URL.Path]; ok {
				return next(c)
			}
			if !limiter.Allow() {
				c.Response().Header().Set("Retry-After", "1")
				return handleError(c, core.NewRateLimitError("too many requests", nil))
			}
			return next(c)
		}
	}
}
