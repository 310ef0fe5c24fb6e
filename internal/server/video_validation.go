package server

import (
	"strings"

	"github.com/labstack/echo/v4"

	"audioproxy/internal/audio"
)

// VideoIDValidation rejects malformed :videoId parameters before they reach the
// service, so bad input never occupies a queue slot.
func VideoIDValidation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			videoID := strings.TrimSpace(c.Param("videoId"))
			if err := audio.ValidateVideoID(videoID); err != nil {
				return handleError(c, err)
			}
			return next(c)
		}
	}
}
