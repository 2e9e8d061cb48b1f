package engine

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/idgen"
	"github.com/LerianStudio/lib-offsync/offsync/internal/nilcheck"
	"github.com/LerianStudio/lib-offsync/offsync/lock"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

const (
	defaultLockKey             = "offsync:lock"
	defaultLockTTL             = 15 * time.Second
	defaultLockAcquireAttempts = 3
	defaultPullInterval        = 30 * time.Second
	defaultPullLimit           = 100
	defaultPullDebounce        = 250 * time.Millisecond
	defaultPushBatchSize       = 50
	defaultInFlightTimeout     = 30 * time.Second
	defaultLockReleaseTimeout  = 5 * time.Second
)

// Config controls lanes, lease and retry behavior.
type Config struct {
	// LockKey names the single-instance lease shared by every engine that
	// syncs the same logical dataset.
	LockKey string
	// LockTTL is clamped to at least lock.MinTTL.
	LockTTL time.Duration
	// LockRenewInterval is kept shorter than LockTTL.
	LockRenewInterval   time.Duration
	LockAcquireAttempts int

	PushEnabled      bool
	PullEnabled      bool
	SubscribeEnabled bool

	// PullInterval drives periodic pulls. Zero disables them.
	PullInterval time.Duration
	// PullOnStart requests a pull as soon as a run starts.
	PullOnStart bool
	PullLimit   int
	// PullResources is the allow-list used for pull requests and for
	// filtering notifications. Empty means every resource.
	PullResources []string
	// InitialCursor is used when no cursor has been stored yet.
	InitialCursor string
	// PullDebounce coalesces notification-triggered pulls.
	PullDebounce time.Duration

	PushBatchSize int
	// InFlightTimeout is how old an in-flight mark must be before start
	// treats it as abandoned.
	InFlightTimeout  time.Duration
	ConflictStrategy protocol.ConflictStrategy

	PushRetry   backoff.Policy
	PullRetry   backoff.Policy
	NotifyRetry backoff.Policy
	LockRetry   backoff.Policy

	// SanitizeErrors logs only error types, for production builds where
	// transport errors may echo payloads.
	SanitizeErrors bool
}

// DefaultConfig returns the baseline engine configuration.
func DefaultConfig() Config {
	return Config{
		LockKey:             defaultLockKey,
		LockTTL:             defaultLockTTL,
		LockRenewInterval:   defaultLockTTL / 3,
		LockAcquireAttempts: defaultLockAcquireAttempts,
		PushEnabled:         true,
		PullEnabled:         true,
		SubscribeEnabled:    true,
		PullInterval:        defaultPullInterval,
		PullOnStart:         true,
		PullLimit:           defaultPullLimit,
		PullDebounce:        defaultPullDebounce,
		PushBatchSize:       defaultPushBatchSize,
		InFlightTimeout:     defaultInFlightTimeout,
		PushRetry:           backoff.DefaultPolicy(),
		PullRetry:           backoff.DefaultPolicy(),
		NotifyRetry: backoff.Policy{
			MaxAttempts: 8,
			Factor:      2,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			JitterRatio: 0.2,
		},
		LockRetry: lock.DefaultConfig().Retry,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if strings.TrimSpace(cfg.LockKey) == "" {
		cfg.LockKey = defaults.LockKey
	}

	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}

	if cfg.LockTTL < lock.MinTTL {
		cfg.LockTTL = lock.MinTTL
	}

	if cfg.LockRenewInterval <= 0 {
		cfg.LockRenewInterval = cfg.LockTTL / 3
	}

	if cfg.LockRenewInterval >= cfg.LockTTL {
		cfg.LockRenewInterval = cfg.LockTTL / 2
	}

	if cfg.LockAcquireAttempts < 1 {
		cfg.LockAcquireAttempts = defaults.LockAcquireAttempts
	}

	if cfg.PullInterval < 0 {
		cfg.PullInterval = 0
	}

	if cfg.PullLimit <= 0 {
		cfg.PullLimit = defaults.PullLimit
	}

	if cfg.PullDebounce < 0 {
		cfg.PullDebounce = 0
	}

	if cfg.PushBatchSize <= 0 {
		cfg.PushBatchSize = defaults.PushBatchSize
	}

	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = defaults.InFlightTimeout
	}

	cfg.PushRetry = cfg.PushRetry.Normalize()
	cfg.PullRetry = cfg.PullRetry.Normalize()

	if cfg.NotifyRetry == (backoff.Policy{}) {
		cfg.NotifyRetry = defaults.NotifyRetry
	}

	cfg.NotifyRetry = cfg.NotifyRetry.Normalize()

	if cfg.LockRetry == (backoff.Policy{}) {
		cfg.LockRetry = defaults.LockRetry
	}

	cfg.LockRetry.MaxAttempts = cfg.LockAcquireAttempts
	cfg.LockRetry = cfg.LockRetry.Normalize()
}

func (cfg Config) lockConfig(clock clockwork.Clock, logger log.Logger, tracer trace.Tracer) lock.Config {
	return lock.Config{
		Key:             cfg.LockKey,
		TTL:             cfg.LockTTL,
		RenewInterval:   cfg.LockRenewInterval,
		AcquireAttempts: cfg.LockAcquireAttempts,
		Retry:           cfg.LockRetry,
		Clock:           clock,
		Logger:          logger,
		Tracer:          tracer,
	}
}

// Option mutates engine construction.
type Option func(*Engine)

// WithConfig replaces the whole configuration. Zero fields are defaulted,
// except booleans, which are taken as given.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		if !nilcheck.Interface(logger) {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer used for batch, round-trip, connect and lock spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if !nilcheck.Interface(tracer) {
			e.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(e *Engine) {
		if !nilcheck.Interface(provider) {
			e.meterProvider = provider
		}
	}
}

// WithClock drives debounce, backoff, periodic pulls and lease renewal.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if !nilcheck.Interface(clock) {
			e.clock = clock
		}
	}
}

// WithIDGenerator supplies owner, operation and batch identifiers.
func WithIDGenerator(ids idgen.Generator) Option {
	return func(e *Engine) {
		if !nilcheck.Interface(ids) {
			e.ids = ids
		}
	}
}

// WithLockFactory replaces the default kv lease, e.g. with RedsyncLockFactory.
func WithLockFactory(factory LockFactory) Option {
	return func(e *Engine) {
		if factory != nil {
			e.lockFactory = factory
		}
	}
}

// WithOnEvent registers the advisory event callback.
func WithOnEvent(fn func(Event)) Option {
	return func(e *Engine) {
		e.onEvent = fn
	}
}

// WithOnError registers the error callback. Cancellations are never reported.
func WithOnError(fn func(error, Phase)) Option {
	return func(e *Engine) {
		e.onError = fn
	}
}
