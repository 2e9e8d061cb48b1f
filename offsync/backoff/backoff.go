package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxAttempts = 5
	defaultFactor      = 2
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultJitterRatio = 0.2

	maxShift = 62
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. It is an immutable value resolved once per lane.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Factor is the exponential growth factor between attempts.
	Factor float64
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps any single delay.
	MaxDelay time.Duration
	// JitterRatio spreads each delay uniformly within ±ratio of its value.
	// Zero disables jitter.
	JitterRatio float64
}

// DefaultPolicy returns the baseline retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		Factor:      defaultFactor,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		JitterRatio: defaultJitterRatio,
	}
}

// Normalize fills zero or invalid fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	defaults := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	if p.Factor < 1 {
		p.Factor = defaults.Factor
	}

	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}

	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}

	if p.JitterRatio < 0 {
		p.JitterRatio = 0
	}

	if p.JitterRatio > 1 {
		p.JitterRatio = 1
	}

	return p
}

// Estimate returns the un-jittered delay that follows the given zero-based
// failed attempt: BaseDelay * Factor^attempt, capped at MaxDelay.
func (p Policy) Estimate(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	if p.BaseDelay <= 0 {
		return 0
	}

	factor := p.Factor
	if factor < 1 {
		factor = defaultFactor
	}

	if factor == defaultFactor {
		delay := Exponential(p.BaseDelay, attempt)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}

		return delay
	}

	scaled := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))

	if p.MaxDelay > 0 && scaled >= float64(p.MaxDelay) {
		return p.MaxDelay
	}

	if math.IsInf(scaled, 0) || scaled >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(scaled)
}

// Delay returns the jittered delay that follows the given zero-based failed
// attempt. The result never exceeds MaxDelay and is never negative.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWith(attempt, rand.Float64)
}

func (p Policy) delayWith(attempt int, random func() float64) time.Duration {
	delay := p.Estimate(attempt)
	if p.JitterRatio <= 0 || delay <= 0 {
		return delay
	}

	spread := float64(delay) * p.JitterRatio
	jittered := float64(delay) - spread + 2*spread*random()

	if p.MaxDelay > 0 && jittered > float64(p.MaxDelay) {
		jittered = float64(p.MaxDelay)
	}

	if jittered < 0 {
		jittered = 0
	}

	return time.Duration(jittered)
}

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Wait blocks for d on clk, returning early with an error if ctx ends first.
// Zero or negative durations return immediately.
func Wait(ctx context.Context, clk clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clk.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
