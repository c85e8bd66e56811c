// Package logging builds the process logger: a text or JSON slog handler
// writing to stderr or a rotating file, teed into an in-memory ring of
// recent records.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options configures Setup.
type Options struct {
	Level  slog.Level
	Format string // "text" (default) or "json"
	// File, when set, receives the log instead of the fallback writer.
	File      string
	MaxSizeMB int
	MaxFiles  int
	// BufferSize is the number of records the ring keeps.
	BufferSize int
}

// ParseLevel parses debug, info, warn or error, case-insensitively. The
// empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %q", s)
	}
}

// Logger is the configured logger and the resources behind it.
type Logger struct {
	*slog.Logger
	// Ring holds recent records at every level.
	Ring *RingHandler

	closer io.Closer
}

// Setup builds a Logger. Output goes to opts.File if set, else to fallback.
// The caller must Close the result.
func Setup(opts Options, fallback io.Writer) (*Logger, error) {
	out := fallback
	var closer io.Closer
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		f, err := OpenRotating(opts.File, maxSize, opts.MaxFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		out, closer = f, f
	}

	ho := &slog.HandlerOptions{Level: opts.Level}
	var primary slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		primary = slog.NewTextHandler(out, ho)
	case "json":
		primary = slog.NewJSONHandler(out, ho)
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("invalid log format: %q", opts.Format)
	}

	ring := NewRingHandler(opts.BufferSize, slog.LevelDebug)
	return &Logger{
		Logger: slog.New(tee{primary, ring}),
		Ring:   ring,
		closer: closer,
	}, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// tee sends each record to every handler that wants it.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
