// Package core provides core types and interfaces for the audio proxy.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeProvider indicates an extraction failure that is not otherwise classified (500)
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeRateLimit indicates the upstream throttled us (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeInvalidRequest indicates a client error (400)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates sign-in or age confirmation is required (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates the video or an audio format is missing (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeOverloaded indicates the extraction queue is full (503)
	ErrorTypeOverloaded ErrorType = "overloaded_error"
)

// GatewayError is the base error type for all errors surfaced to HTTP clients
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	VideoID    string    `json:"video_id,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.VideoID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.VideoID, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// WithVideoID returns a copy of the error tagged with the video identifier.
func (e *GatewayError) WithVideoID(videoID string) *GatewayError {
	cp := *e
	cp.VideoID = videoID
	return &cp
}

// NewProviderError creates a new extraction failure error (500)
func NewProviderError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Err:        err,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Err:        err,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewOverloadedError creates a new overloaded error (503)
func NewOverloadedError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeOverloaded,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// TypeOf returns the ErrorType carried by err, or "" when err is not a GatewayError.
func TypeOf(err error) ErrorType {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Type
	}
	return ""
}

// IsRateLimited reports whether err signals upstream throttling.
func IsRateLimited(err error) bool {
	return TypeOf(err) == ErrorTypeRateLimit
}

// IsAuthentication reports whether err requires a credential refresh.
func IsAuthentication(err error) bool {
	return TypeOf(err) == ErrorTypeAuthentication
}
