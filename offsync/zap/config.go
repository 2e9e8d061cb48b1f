package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrUnknownEnvironment is returned by New for an unrecognised Environment.
var ErrUnknownEnvironment = errors.New("invalid environment")

// Environment selects a logging profile. Development-like environments log
// at debug with caller info; the rest log at info.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

func (env Environment) known() bool {
	switch env {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return true
	}

	return false
}

func (env Environment) verbose() bool {
	return env == EnvironmentDevelopment || env == EnvironmentLocal
}

// Config is what New needs to build a Logger.
type Config struct {
	Environment Environment
	// Level, when set, wins over the environment's default.
	Level string
	// OTelLibraryName tees every entry into the OpenTelemetry logs bridge
	// under this instrumentation scope. Empty disables the bridge.
	OTelLibraryName string
}

// New builds a JSON zap logger for cfg.
func New(cfg Config) (*Logger, error) {
	if !cfg.Environment.known() {
		return nil, fmt.Errorf("invalid zap config: %w %q", ErrUnknownEnvironment, cfg.Environment)
	}

	level := zapcore.InfoLevel
	if cfg.Environment.verbose() {
		level = zapcore.DebugLevel
	}

	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}

		level = parsed
	}

	atomic := zap.NewAtomicLevelAt(level)

	zc := zap.NewProductionConfig()
	if cfg.Environment.verbose() {
		zc = zap.NewDevelopmentConfig()
	}

	zc.Level = atomic
	zc.Encoding = "json"
	zc.DisableStacktrace = true
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// Skip the adapter's own Log frame so callers show up as the source.
	options := []zap.Option{zap.AddCallerSkip(1)}

	if scope := strings.TrimSpace(cfg.OTelLibraryName); scope != "" {
		options = append(options, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(scope))
		}))
	}

	built, err := zc.Build(options...)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{base: built, level: atomic}, nil
}

// NewFromZap wraps an existing zap logger, for example one from zaptest.
func NewFromZap(logger *zap.Logger) *Logger {
	return &Logger{base: logger, level: zap.NewAtomicLevelAt(logger.Level())}
}
