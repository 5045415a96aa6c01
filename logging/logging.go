// Package logging configures the process-wide slog logger used by kpose and
// tags loggers of data-parallel workers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures the process logger
type Options struct {
	Level slog.Level
	// Format is "text" (default) or "json"
	Format string
	// Output defaults to os.Stderr
	Output io.Writer
}

// Setup installs a logger built from opts as the slog default and returns it
func Setup(opts Options) (*slog.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	switch opts.Format {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel maps debug, info, warn or error (any case) to a slog level.
// The empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns the default logger tagged with a component
func New(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}

// ForWorker tags logger with the worker rank. Only the leader (rank 0)
// reports progress; other workers keep warnings and errors.
func ForWorker(logger *slog.Logger, rank int) *slog.Logger {
	handler := logger.Handler()
	if rank != 0 {
		handler = &minLevelHandler{Handler: handler, min: slog.LevelWarn}
	}
	return slog.New(handler).With(slog.Int("rank", rank))
}

// minLevelHandler drops records below min
type minLevelHandler struct {
	slog.Handler
	min slog.Level
}

func (h *minLevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.Handler.Enabled(ctx, level)
}

func (h *minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h *minLevelHandler) WithGroup(name string) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
