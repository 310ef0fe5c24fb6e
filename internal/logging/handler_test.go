package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warning ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHandler_AutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Format: FormatAuto})
	require.NoError(t, err)

	slog.New(h).Info("cache swept", "evicted", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache swept", line["msg"])
	assert.EqualValues(t, 3, line["evicted"])
}

func TestNewHandler_TextWithoutColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Format: FormatText})
	require.NoError(t, err)

	slog.New(h).Warn("retrying extraction", "video_id", "dQw4w9WgXcQ")

	out := buf.String()
	assert.Contains(t, out, "WRN")
	assert.Contains(t, out, "retrying extraction")
	assert.Contains(t, out, "video_id=dQw4w9WgXcQ")
	assert.NotContains(t, out, "\033[")
}

func TestNewHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Level: "warn", Format: FormatJSON})
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewHandler_BadLevel(t *testing.T) {
	_, err := NewHandler(&bytes.Buffer{}, Options{Level: "loud"})
	assert.Error(t, err)
}
