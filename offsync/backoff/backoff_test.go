//go:build unit

package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyEstimate(t *testing.T) {
	t.Parallel()

	policy := Policy{MaxAttempts: 5, Factor: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first failure waits base", 0, 100 * time.Millisecond},
		{"second failure doubles", 1, 200 * time.Millisecond},
		{"third failure quadruples", 2, 400 * time.Millisecond},
		{"capped at max delay", 5, time.Second},
		{"negative attempt treated as 0", -3, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, policy.Estimate(tt.attempt))
		})
	}
}

func TestPolicyEstimateCustomFactor(t *testing.T) {
	t.Parallel()

	policy := Policy{Factor: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Hour}

	assert.Equal(t, 90*time.Millisecond, policy.Estimate(2))
	assert.Equal(t, time.Hour, policy.Estimate(1000))
}

func TestPolicyDelayStaysWithinJitterBounds(t *testing.T) {
	t.Parallel()

	policy := Policy{MaxAttempts: 3, Factor: 2, BaseDelay: time.Second, MaxDelay: time.Minute, JitterRatio: 0.5}

	low := policy.delayWith(1, func() float64 { return 0 })
	high := policy.delayWith(1, func() float64 { return 0.999999 })

	assert.Equal(t, time.Second, low)
	assert.InDelta(t, float64(3*time.Second), float64(high), float64(time.Millisecond))

	for range 100 {
		delay := policy.Delay(1)
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.LessOrEqual(t, delay, 3*time.Second)
	}
}

func TestPolicyDelayNeverExceedsMax(t *testing.T) {
	t.Parallel()

	policy := Policy{Factor: 2, BaseDelay: time.Second, MaxDelay: 2 * time.Second, JitterRatio: 1}

	for range 100 {
		assert.LessOrEqual(t, policy.Delay(10), 2*time.Second)
	}
}

func TestPolicyNormalize(t *testing.T) {
	t.Parallel()

	normalized := Policy{JitterRatio: 7, BaseDelay: time.Minute, MaxDelay: time.Second}.Normalize()

	assert.Equal(t, defaultMaxAttempts, normalized.MaxAttempts)
	assert.Equal(t, float64(defaultFactor), normalized.Factor)
	assert.Equal(t, time.Minute, normalized.MaxDelay)
	assert.Equal(t, float64(1), normalized.JitterRatio)
}

func TestExponentialOverflowProtection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 62))
	assert.Equal(t, Exponential(time.Nanosecond, 62), Exponential(time.Nanosecond, 1000))
	assert.Zero(t, Exponential(0, 3))
}

func TestWaitHonoursFakeClock(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	done := make(chan error, 1)

	go func() {
		done <- Wait(context.Background(), clk, time.Minute)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after clock advanced")
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, clockwork.NewFakeClock(), time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Factor: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	var backoffs []Attempt

	err := Retry(context.Background(), clockwork.NewRealClock(), fastPolicy(5), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}

		return nil
	}, func(a Attempt) {
		backoffs = append(backoffs, a)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, backoffs, 2)
	assert.Equal(t, 1, backoffs[0].Number)
	assert.Equal(t, 2, backoffs[1].Number)
}

func TestRetryExhaustsBudget(t *testing.T) {
	t.Parallel()

	cause := errors.New("still down")
	calls := 0

	err := Retry(context.Background(), nil, fastPolicy(3), func(context.Context, int) error {
		calls++
		return cause
	}, nil)

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad request")
	calls := 0

	err := Retry(context.Background(), nil, fastPolicy(5), func(context.Context, int) error {
		calls++
		return Permanent(cause)
	}, nil)

	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	err := Retry(ctx, clockwork.NewRealClock(), policy, func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
}
