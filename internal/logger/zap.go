package logger

import (
	"io"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.SugaredLogger to Logger. Key/value pairs are passed
// through unchanged, so callers can log the same way against either backend.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	group string
}

// Zap wraps an existing zap logger. A nil logger yields a no-op logger.
func Zap(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{sugar: z.Sugar()}
}

// newZap builds a JSON zap logger writing to w with production encoding.
func newZap(w io.Writer, level slog.Level, caller bool) Logger {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapLevel(level))
	var opts []zap.Option
	if caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	return Zap(zap.New(core, opts...))
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (l *ZapLogger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, l.keyed(args)...)
}

func (l *ZapLogger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, l.keyed(args)...)
}

func (l *ZapLogger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, l.keyed(args)...)
}

func (l *ZapLogger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, l.keyed(args)...)
}

func (l *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(l.keyed(args)...), group: l.group}
}

func (l *ZapLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	group := name
	if l.group != "" {
		group = l.group + "." + name
	}
	return &ZapLogger{sugar: l.sugar, group: group}
}

// keyed prefixes string keys with the active group, mirroring slog groups.
func (l *ZapLogger) keyed(args []any) []any {
	if l.group == "" || len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i += 2 {
		if key, ok := out[i].(string); ok {
			out[i] = l.group + "." + key
		}
	}
	return out
}
