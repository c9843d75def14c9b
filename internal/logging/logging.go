// Package logging builds the process slog.Logger from the [log] config section.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"mempool-proxy-go/internal/config"
)

// ParseLevel maps a config level name to a slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New returns a logger writing to out in the configured format. When
// cfg.File is set, records are also written as JSON to a rotated file.
// The returned func closes the file.
func New(cfg config.LogConfig, out io.Writer) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	h := newHandler(cfg.Format, out, opts)
	if cfg.File == "" {
		return slog.New(h), func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	fh := slog.NewJSONHandler(rotator, opts)

	return slog.New(fanout{h, fh}), func() { _ = rotator.Close() }
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
