package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is returned by Retry once every attempt in the budget failed.
var ErrExhausted = errors.New("retry budget exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry stops and returns the
// wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// Attempt describes a failed attempt about to be followed by a delay.
type Attempt struct {
	// Number is the one-based index of the attempt that failed.
	Number int
	// Delay is the wait scheduled before the next attempt.
	Delay time.Duration
	// Err is the failure returned by the attempt.
	Err error
}

// Retry calls fn until it returns nil, returns a Permanent error, the policy's
// attempt budget is spent, or ctx ends. onBackoff, when non-nil, is called
// before each wait.
//
// On exhaustion the returned error wraps both ErrExhausted and the last
// attempt's error. On cancellation it wraps the context error.
func Retry(
	ctx context.Context,
	clk clockwork.Clock,
	policy Policy,
	fn func(ctx context.Context, attempt int) error,
	onBackoff func(Attempt),
) error {
	policy = policy.Normalize()

	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}

		lastErr = err

		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		if onBackoff != nil {
			onBackoff(Attempt{Number: attempt + 1, Delay: delay, Err: err})
		}

		if waitErr := Wait(ctx, clk, delay); waitErr != nil {
			return fmt.Errorf("retry wait interrupted: %w", waitErr)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, policy.MaxAttempts, lastErr)
}
