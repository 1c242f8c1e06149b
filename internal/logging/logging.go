// Package logging builds the slog logger shared by the server components.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel normalizes a level name. An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + s)
	}
}

// Options controls the handler. Writer defaults to stderr.
type Options struct {
	Level       string
	Format      string // "text" or "json"
	AddSource   bool
	Writer      io.Writer
	SetDefault  bool
	ServiceName string
}

// New returns a configured logger. With SetDefault it also replaces
// slog's default logger.
func New(opt Options) (*slog.Logger, error) {
	level, err := ParseLevel(opt.Level)
	if err != nil {
		return nil, err
	}
	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	ho := &slog.HandlerOptions{
		Level:     level,
		AddSource: opt.AddSource,
	}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(opt.Format)) {
	case "", "text":
		h = slog.NewTextHandler(w, ho)
	case "json":
		h = slog.NewJSONHandler(w, ho)
	default:
		return nil, errors.New("invalid log format: " + opt.Format)
	}
	lg := slog.New(h)
	if opt.ServiceName != "" {
		lg = lg.With("service", opt.ServiceName)
	}
	if opt.SetDefault {
		slog.SetDefault(lg)
	}
	return lg, nil
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
