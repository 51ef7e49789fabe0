package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface shared by the runtime, the software device
// and the command line tools. Arguments are alternating keys and values, as
// with slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// Format selects the encoding of log lines.
type Format string

const (
	FormatPretty Format = "pretty"
	FormatJSON   Format = "json"
	FormatText   Format = "text"
	FormatZap    Format = "zap"
)

// ParseFormat accepts the format names of the --log-format flag. Empty means
// pretty.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPretty, nil
	case FormatPretty, FormatJSON, FormatText, FormatZap:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q (expected pretty, json, text or zap)", s)
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error. Empty means
// info.
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

// Options describe a logger built by Open.
type Options struct {
	Format Format
	Level  slog.Level
	// AddSource records the caller in json and zap output.
	AddSource bool
	// NoColor disables ANSI escapes in pretty output.
	NoColor bool
}

// Open builds a Logger writing to w.
func Open(w io.Writer, opts Options) (Logger, error) {
	switch opts.Format {
	case "", FormatPretty:
		h := NewPrettyHandler(w, &slog.HandlerOptions{Level: opts.Level})
		if opts.NoColor {
			h = h.WithoutColor()
		}
		return New(h), nil
	case FormatJSON:
		return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource})), nil
	case FormatText:
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level})), nil
	case FormatZap:
		return newZap(w, opts.Level, opts.AddSource), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// New wraps a slog handler.
func New(h slog.Handler) Logger {
	return slogLogger{l: slog.New(h)}
}

// Default logs text at info level to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, nil))
}

// Nop discards everything.
func Nop() Logger {
	return New(slog.DiscardHandler)
}

// JSON logs JSON lines with source locations.
func JSON(w io.Writer, level slog.Level) Logger {
	l, _ := Open(w, Options{Format: FormatJSON, Level: level, AddSource: true})
	return l
}

type loggerKey struct{}

// FromContext returns the logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s slogLogger) With(args ...any) Logger {
	return slogLogger{l: s.l.With(args...)}
}

func (s slogLogger) WithGroup(name string) Logger {
	return slogLogger{l: s.l.WithGroup(name)}
}
