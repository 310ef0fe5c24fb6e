// Package core defines the core interfaces and types for the audio proxy.
package core

import (
	"context"
	"net/http"
)

// FetchOptions carries the per-attempt transport choices for an extraction call.
type FetchOptions struct {
	// Proxy is the outbound proxy URL for this attempt; empty means direct.
	Proxy string
	// Credentials decorates the outbound client with cookies or a bearer token.
	// May be nil.
	Credentials ClientDecorator
}

// ClientDecorator installs credentials on an outbound HTTP client.
type ClientDecorator interface {
	Apply(client *http.Client)
}

// Extractor resolves a video identifier into stream metadata.
// Implementations must return *GatewayError values so callers can classify failures.
type Extractor interface {
	Fetch(ctx context.Context, videoID string, opts FetchOptions) (*StreamInfo, error)
}
