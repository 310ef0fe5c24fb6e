// Package extractor adapts the kkdai/youtube client to the core.Extractor interface.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"

	"audioproxy/internal/core"
	"audioproxy/internal/httpclient"
)

// ClientFactory builds the outbound client for one attempt.
type ClientFactory interface {
	Client(proxyAddr string, dec core.ClientDecorator) (*http.Client, error)
}

// YouTube fetches video metadata and formats through kkdai/youtube.
type YouTube struct {
	clients ClientFactory
	now     func() time.Time
}

// NewYouTube creates an extractor. A nil factory uses default client settings.
func NewYouTube(clients ClientFactory) *YouTube {
	if clients == nil {
		clients = httpclient.NewFactory(nil)
	}
	return &YouTube{clients: clients, now: time.Now}
}

// Fetch resolves videoID into metadata and formats. Every error returned is a
// *core.GatewayError.
func (y *YouTube) Fetch(ctx context.Context, videoID string, opts core.FetchOptions) (*core.StreamInfo, error) {
	httpClient, err := y.clients.Client(opts.Proxy, opts.Credentials)
	if err != nil {
		return nil, core.NewProviderError("failed to build upstream client", err).WithVideoID(videoID)
	}
	client := &youtube.Client{HTTPClient: httpClient}

	video, err := client.GetVideoContext(ctx, videoID)
	if err != nil {
		return nil, Classify(err).WithVideoID(videoID)
	}

	info := convertVideo(video, y.now())
	y.resolveCiphered(ctx, client, video, info)
	return info, nil
}

// resolveCiphered fills in URLs for audio formats that are delivered with a signature
// cipher instead of a plain URL. Failures leave the format without a URL, which makes
// it unreliable for selection rather than failing the whole fetch.
func (y *YouTube) resolveCiphered(ctx context.Context, client *youtube.Client, video *youtube.Video, info *core.StreamInfo) {
	for i := range info.Formats {
		f := &info.Formats[i]
		if f.URL != "" || !f.IsAudioOnly() {
			continue
		}
		src := &video.Formats[i]
		if src.Cipher == "" {
			continue
		}
		streamURL, err := client.GetStreamURLContext(ctx, video, src)
		if err != nil {
			slog.Debug("failed to resolve ciphered format", "video_id", video.ID, "itag", f.Itag, "error", err)
			continue
		}
		f.URL = streamURL
		f.IsHLS, f.IsDASH = manifestKind(streamURL)
	}
}

// Classify maps a kkdai/youtube error onto the gateway error taxonomy using the
// library's typed signals.
func Classify(err error) *core.GatewayError {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr
	}

	var status youtube.ErrUnexpectedStatusCode
	if errors.As(err, &status) {
		switch int(status) {
		case http.StatusTooManyRequests:
			return core.NewRateLimitError("upstream rate limit exceeded", err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return core.NewAuthenticationError("upstream rejected the request credentials", err)
		case http.StatusNotFound:
			return core.NewNotFoundError("video not found")
		}
		return core.NewProviderError(fmt.Sprintf("upstream returned status %d", int(status)), err)
	}

	switch {
	case errors.Is(err, youtube.ErrLoginRequired):
		return core.NewAuthenticationError("sign-in required to access this video", err)
	case errors.Is(err, youtube.ErrVideoPrivate):
		return core.NewAuthenticationError("video is private", err)
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return core.NewInvalidRequestError("invalid video id", err)
	case errors.Is(err, youtube.ErrNotPlayableInEmbed):
		return core.NewNotFoundError("video is not playable")
	}

	if status, ok := playabilityStatus(err); ok {
		switch status.Status {
		case "LOGIN_REQUIRED", "AGE_CHECK_REQUIRED", "CONTENT_CHECK_REQUIRED":
			return core.NewAuthenticationError(playabilityMessage(status), err)
		default:
			gw := core.NewNotFoundError(playabilityMessage(status))
			gw.Err = err
			return gw
		}
	}

	return core.NewProviderError(err.Error(), err)
}

func playabilityStatus(err error) (youtube.ErrPlayabiltyStatus, bool) {
	var value youtube.ErrPlayabiltyStatus
	if errors.As(err, &value) {
		return value, true
	}
	var ptr *youtube.ErrPlayabiltyStatus
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return youtube.ErrPlayabiltyStatus{}, false
}

func playabilityMessage(status youtube.ErrPlayabiltyStatus) string {
	if status.Reason != "" {
		return status.Reason
	}
	return "video unavailable: " + strings.ToLower(status.Status)
}

func convertVideo(video *youtube.Video, now time.Time) *core.StreamInfo {
	info := &core.StreamInfo{
		VideoID: video.ID,
		Details: core.VideoDetails{
			VideoID:     video.ID,
			Title:       video.Title,
			Author:      video.Author,
			ChannelID:   video.ChannelID,
			Description: video.Description,
			Duration:    video.Duration,
			LengthSecs:  int64(video.Duration / time.Second),
			Views:       video.Views,
		},
		Formats:   make([]core.Format, 0, len(video.Formats)),
		FetchedAt: now,
	}
	if n := len(video.Thumbnails); n > 0 {
		info.Details.Thumbnail = video.Thumbnails[n-1].URL
	}

	for _, f := range video.Formats {
		cf := core.Format{
			Itag:             f.ItagNo,
			MimeType:         f.MimeType,
			URL:              f.URL,
			Bitrate:          f.Bitrate,
			AverageBitrate:   f.AverageBitrate,
			ContentLength:    f.ContentLength,
			AudioQuality:     f.AudioQuality,
			AudioSampleRate:  f.AudioSampleRate,
			AudioChannels:    f.AudioChannels,
			ApproxDurationMs: f.ApproxDurationMs,
		}
		cf.IsHLS, cf.IsDASH = manifestKind(f.URL)
		info.Formats = append(info.Formats, cf)
	}
	return info
}

// manifestKind flags URLs that point at an HLS playlist or DASH manifest rather than a
// directly playable file.
func manifestKind(u string) (hls, dash bool) {
	lower := strings.ToLower(u)
	hls = strings.Contains(lower, "/manifest/hls") || strings.HasSuffix(lower, ".m3u8")
	dash = strings.Contains(lower, "/manifest/dash") || strings.HasSuffix(lower, ".mpd")
	return hls, dash
}
