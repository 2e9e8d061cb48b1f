package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is what every offsync component logs through. Implementations must
// be safe for concurrent use; the engine logs from several lane goroutines.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level is a log severity. Smaller is more severe, so a logger set to
// LevelInfo also emits LevelWarn and LevelError.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}

	return "unknown"
}

// ParseLevel accepts the names produced by Level.String, case-insensitively,
// plus "warning".
func ParseLevel(lvl string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(lvl))
	if name == "warning" {
		return LevelWarn, nil
	}

	for level, candidate := range levelNames {
		if candidate == name {
			return Level(level), nil
		}
	}

	return LevelInfo, fmt.Errorf("log: unknown level %q", lvl)
}

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

// Any wraps an arbitrary value. Intents and payloads must never go through
// it; they carry user data.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err is stored under the "error" key, which adapters render specially.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Lane tags entries with the engine lane that produced them.
func Lane(name string) Field {
	return Field{Key: "lane", Value: name}
}

// IdempotencyKey tags entries about one outbox item.
func IdempotencyKey(key string) Field {
	return Field{Key: "idempotency_key", Value: key}
}
