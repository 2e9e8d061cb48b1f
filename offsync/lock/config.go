package lock

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/log"
)

const (
	defaultKey             = "offsync:lock"
	defaultTTL             = 15 * time.Second
	defaultAcquireAttempts = 3

	// MinTTL is the shortest lease accepted; shorter values are raised to it.
	MinTTL = time.Second
)

// Config configures a Lock.
type Config struct {
	// Key names the shared lease.
	Key string
	// TTL is how long a lease lives without renewal.
	TTL time.Duration
	// RenewInterval is how often the holder renews. It is kept below TTL.
	RenewInterval time.Duration
	// AcquireAttempts bounds Acquire.
	AcquireAttempts int
	// Retry spaces acquire attempts. MaxAttempts is taken from AcquireAttempts.
	Retry backoff.Policy
	Clock  clockwork.Clock
	Logger log.Logger
	Tracer trace.Tracer
	// OnLost, when set, is called once when renewal detects the lease was lost.
	OnLost func()
}

// DefaultConfig returns the baseline lease configuration.
func DefaultConfig() Config {
	return Config{
		Key:             defaultKey,
		TTL:             defaultTTL,
		RenewInterval:   defaultTTL / 3,
		AcquireAttempts: defaultAcquireAttempts,
		Retry: backoff.Policy{
			MaxAttempts: defaultAcquireAttempts,
			Factor:      2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			JitterRatio: 0.2,
		},
		Clock:  clockwork.NewRealClock(),
		Logger: log.NewNop(),
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = defaults.Key
	}

	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}

	if cfg.TTL < MinTTL {
		cfg.TTL = MinTTL
	}

	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.TTL / 3
	}

	if cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 2
	}

	if cfg.AcquireAttempts < 1 {
		cfg.AcquireAttempts = defaults.AcquireAttempts
	}

	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = defaults.Retry
	}

	cfg.Retry.MaxAttempts = cfg.AcquireAttempts
	cfg.Retry = cfg.Retry.Normalize()

	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}

	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	cfg.Tracer = telemetry.TracerOrNoop(cfg.Tracer)
}
