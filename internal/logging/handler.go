// Package logging builds the process-wide slog handler.
//
// Interactive terminals get colorized, human-readable lines:
//
//	15:04:05 INF extraction succeeded video_id=dQw4w9WgXcQ attempts=1
//
// Everything else (containers, files, pipes) gets one JSON object per line.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Output formats
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // auto, text, json
}

// ParseLevel maps a level name to a slog.Level. Unknown names are an error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// NewHandler returns a handler writing to out.
func NewHandler(out io.Writer, opts Options) (slog.Handler, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	switch resolveFormat(out, opts.Format) {
	case FormatText:
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		}), nil
	default:
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}), nil
	}
}

// Setup installs a handler on stdout as the slog default and returns the logger.
func Setup(opts Options) (*slog.Logger, error) {
	handler, err := NewHandler(os.Stdout, opts)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func resolveFormat(out io.Writer, format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatText:
		return FormatText
	case FormatJSON:
		return FormatJSON
	default:
		if isTerminal(out) {
			return FormatText
		}
		return FormatJSON
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
