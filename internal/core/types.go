package core

import (
	"strings"
	"time"
)

// VideoDetails is the descriptive part of the extraction result.
type VideoDetails struct {
	VideoID     string        `json:"videoId"`
	Title       string        `json:"title"`
	Author      string        `json:"author"`
	ChannelID   string        `json:"channelId,omitempty"`
	Description string        `json:"description,omitempty"`
	Duration    time.Duration `json:"-"`
	LengthSecs  int64         `json:"lengthSeconds"`
	Views       int           `json:"viewCount"`
	Thumbnail   string        `json:"thumbnail,omitempty"`
}

// Format describes one stream variant offered by the upstream.
type Format struct {
	Itag             int    `json:"itag"`
	MimeType         string `json:"mimeType"`
	URL              string `json:"url,omitempty"`
	Bitrate          int    `json:"bitrate,omitempty"`
	AverageBitrate   int    `json:"averageBitrate,omitempty"`
	ContentLength    int64  `json:"contentLength,omitempty"`
	AudioQuality     string `json:"audioQuality,omitempty"`
	AudioSampleRate  string `json:"audioSampleRate,omitempty"`
	AudioChannels    int    `json:"audioChannels,omitempty"`
	ApproxDurationMs string `json:"approxDurationMs,omitempty"`
	IsHLS            bool   `json:"isHLS,omitempty"`
	IsDASH           bool   `json:"isDashMPD,omitempty"`
}

// IsAudioOnly reports whether the format carries audio without a video track.
func (f Format) IsAudioOnly() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(f.MimeType)), "audio/")
}

// ContentType returns the MIME type without codec parameters.
func (f Format) ContentType() string {
	mime := strings.TrimSpace(f.MimeType)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "" {
		return "application/octet-stream"
	}
	return mime
}

// StreamInfo is the metadata blob returned by the extraction capability.
type StreamInfo struct {
	VideoID   string       `json:"videoId"`
	Details   VideoDetails `json:"videoDetails"`
	Formats   []Format     `json:"formats"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// AudioFormats returns the audio-only subset of Formats in upstream order.
func (s *StreamInfo) AudioFormats() []Format {
	if s == nil {
		return nil
	}
	out := make([]Format, 0, len(s.Formats))
	for _, f := range s.Formats {
		if f.IsAudioOnly() {
			out = append(out, f)
		}
	}
	return out
}

// AudioResponse is the body of GET /mp3/:videoId
type AudioResponse struct {
	VideoDetails      VideoDetails `json:"videoDetails"`
	AudioFormats      []Format     `json:"audioFormats"`
	RecommendedFormat Format       `json:"recommendedFormat"`
}
