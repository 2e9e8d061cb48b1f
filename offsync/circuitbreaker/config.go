package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrInvalidConfig is returned by Wrap when Config cannot trip or recover.
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config tunes both breakers of a Transport. The push and pull breakers get
// separate counters but share these thresholds.
type Config struct {
	// MaxRequests probes are let through while half-open.
	MaxRequests uint32
	// Interval resets closed-state counts; zero never resets them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker on its own; zero disables it.
	ConsecutiveFailures uint32
	// FailureRatio opens the breaker once MinRequests calls were seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig suits a sync backend reached over a reasonably stable link.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// AggressiveConfig opens after a handful of failures so a device on a flaky
// mobile link stops hammering a dead backend.
func AggressiveConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

func (cfg Config) validate() error {
	if cfg.ConsecutiveFailures == 0 && cfg.FailureRatio <= 0 {
		return fmt.Errorf("%w: no trip condition", ErrInvalidConfig)
	}

	if cfg.FailureRatio > 1 {
		return fmt.Errorf("%w: failure ratio %.2f above 1", ErrInvalidConfig, cfg.FailureRatio)
	}

	if cfg.Timeout < 0 || cfg.Interval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}

	return nil
}

func (cfg Config) readyToTrip(counts gobreaker.Counts) bool {
	if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
		return true
	}

	if cfg.FailureRatio <= 0 || counts.Requests == 0 || counts.Requests < cfg.MinRequests {
		return false
	}

	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}
