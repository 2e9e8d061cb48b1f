package zap

import (
	"context"
	"time"

	logpkg "github.com/LerianStudio/lib-offsync/offsync/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger adapts a *zap.Logger to log.Logger. The zero value and a nil
// pointer both discard output.
type Logger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

func (l *Logger) raw() *zap.Logger {
	if l == nil || l.base == nil {
		return zap.NewNop()
	}

	return l.base
}

func (l *Logger) derive(base *zap.Logger) *Logger {
	var level zap.AtomicLevel
	if l != nil {
		level = l.level
	}

	return &Logger{base: base, level: level}
}

// Log writes one entry. A sampled span in ctx contributes trace_id and
// span_id so lane logs line up with push and pull spans.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	ce := l.raw().Check(zapLevel(level), msg)
	if ce == nil {
		return
	}

	converted := convertFields(fields, 2)

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			converted = append(converted,
				zap.Stringer("trace_id", sc.TraceID()),
				zap.Stringer("span_id", sc.SpanID()),
			)
		}
	}

	ce.Write(converted...)
}

//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return l.derive(l.raw().With(convertFields(fields, 0)...))
}

//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return l.derive(l.raw().With(zap.Namespace(name)))
}

func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.raw().Core().Enabled(zapLevel(level))
}

// Sync flushes zap's buffers. Stdout sinks may report EINVAL on some
// platforms; callers decide whether that matters.
func (l *Logger) Sync(ctx context.Context) error {
	flushed := make(chan error, 1)

	go func() { flushed <- l.raw().Sync() }()

	select {
	case err := <-flushed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Raw exposes the wrapped zap logger for code that needs zap directly.
func (l *Logger) Raw() *zap.Logger {
	return l.raw()
}

// Level is the handle used to change verbosity at runtime.
func (l *Logger) Level() zap.AtomicLevel {
	return l.level
}

var levels = map[logpkg.Level]zapcore.Level{
	logpkg.LevelError: zapcore.ErrorLevel,
	logpkg.LevelWarn:  zapcore.WarnLevel,
	logpkg.LevelInfo:  zapcore.InfoLevel,
	logpkg.LevelDebug: zapcore.DebugLevel,
}

func zapLevel(level logpkg.Level) zapcore.Level {
	if zl, ok := levels[level]; ok {
		return zl
	}

	return zapcore.InfoLevel
}

// convertFields maps log fields onto typed zap fields, avoiding reflection
// for the kinds the engine emits. extra reserves room for trailing fields.
func convertFields(fields []logpkg.Field, extra int) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+extra)

	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case error:
			if f.Key == "error" {
				out = append(out, zap.Error(v))
			} else {
				out = append(out, zap.NamedError(f.Key, v))
			}
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}

	return out
}
