package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reliableAudio(bitrate int) Format {
	return Format{MimeType: `audio/webm; codecs="opus"`, URL: "https://r1.example/a", ContentLength: 1024, Bitrate: bitrate}
}

func unreliableAudio(bitrate int) Format {
	return Format{MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: bitrate}
}

func TestChooseAudioFormat_PrefersReliableOverBitrate(t *testing.T) {
	got, ok := ChooseAudioFormat([]Format{unreliableAudio(320), reliableAudio(128)})

	require.True(t, ok)
	assert.Equal(t, 128, got.Bitrate)
	assert.True(t, IsReliable(got))
}

func TestChooseAudioFormat_FallsBackToHighestBitrate(t *testing.T) {
	got, ok := ChooseAudioFormat([]Format{unreliableAudio(128), unreliableAudio(320)})

	require.True(t, ok)
	assert.Equal(t, 320, got.Bitrate)
}

func TestChooseAudioFormat_HighestReliableBitrateWins(t *testing.T) {
	got, ok := ChooseAudioFormat([]Format{reliableAudio(64), reliableAudio(160), reliableAudio(128)})

	require.True(t, ok)
	assert.Equal(t, 160, got.Bitrate)
}

func TestChooseAudioFormat_MissingBitrateSortsLast(t *testing.T) {
	noBitrate := reliableAudio(0)
	noBitrate.Itag = 1
	withBitrate := reliableAudio(48)
	withBitrate.Itag = 2

	got, ok := ChooseAudioFormat([]Format{noBitrate, withBitrate})

	require.True(t, ok)
	assert.Equal(t, 2, got.Itag)
}

func TestChooseAudioFormat_IgnoresVideoFormats(t *testing.T) {
	video := Format{MimeType: `video/mp4; codecs="avc1"`, URL: "https://r1.example/v", ContentLength: 99, Bitrate: 2_000_000}

	got, ok := ChooseAudioFormat([]Format{video, unreliableAudio(96)})
	require.True(t, ok)
	assert.Equal(t, 96, got.Bitrate)

	_, ok = ChooseAudioFormat([]Format{video})
	assert.False(t, ok)
}

func TestChooseAudioFormat_Empty(t *testing.T) {
	_, ok := ChooseAudioFormat(nil)
	assert.False(t, ok)
}

func TestIsReliable(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		want   bool
	}{
		{"direct with length", reliableAudio(128), true},
		{"missing url", Format{MimeType: "audio/mp4", ContentLength: 10}, false},
		{"unknown length", Format{MimeType: "audio/mp4", URL: "https://x"}, false},
		{"hls", Format{MimeType: "audio/mp4", URL: "https://x", ContentLength: 10, IsHLS: true}, false},
		{"dash", Format{MimeType: "audio/mp4", URL: "https://x", ContentLength: 10, IsDASH: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReliable(tt.format))
		})
	}
}

func TestFormat_ContentType(t *testing.T) {
	assert.Equal(t, "audio/webm", Format{MimeType: `audio/webm; codecs="opus"`}.ContentType())
	assert.Equal(t, "audio/mp4", Format{MimeType: "audio/mp4"}.ContentType())
	assert.Equal(t, "application/octet-stream", Format{}.ContentType())
}

func TestStreamInfo_AudioFormats(t *testing.T) {
	info := &StreamInfo{Formats: []Format{
		{Itag: 18, MimeType: "video/mp4"},
		{Itag: 140, MimeType: "audio/mp4"},
		{Itag: 251, MimeType: "audio/webm"},
	}}

	audio := info.AudioFormats()
	require.Len(t, audio, 2)
	assert.Equal(t, 140, audio[0].Itag)
	assert.Equal(t, 251, audio[1].Itag)

	var nilInfo *StreamInfo
	assert.Nil(t, nilInfo.AudioFormats())
}
