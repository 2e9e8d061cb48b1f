package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransportRequired = errors.New("engine: transport is required")
	ErrApplierRequired   = errors.New("engine: applier is required")
	ErrOutboxRequired    = errors.New("engine: outbox store is required")
	ErrCursorRequired    = errors.New("engine: cursor store is required")
	ErrLockRequired      = errors.New("engine: lock store or lock factory is required")
	ErrDisposed          = errors.New("engine: disposed")
	ErrStopped           = errors.New("engine: stopped")
	ErrPushDisabled      = errors.New("engine: push is disabled")
	ErrPullDisabled      = errors.New("engine: pull is disabled")
	ErrLockUnavailable   = errors.New("engine: sync lock unavailable")
	ErrLockLost          = errors.New("engine: sync lock lost")

	errRetryableItems = errors.New("engine: batch has retryable items")
)

// Phase names the engine activity an error came from.
type Phase string

const (
	PhaseLock      Phase = "lock"
	PhasePush      Phase = "push"
	PhasePull      Phase = "pull"
	PhaseNotify    Phase = "notify"
	PhaseOutbox    Phase = "outbox"
	PhaseLifecycle Phase = "lifecycle"
)

// PhaseError tags an error with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	if e == nil || e.Err == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%s: %s", e.Phase, e.Err.Error())
}

func (e *PhaseError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// isCancellation reports errors caused by stopping rather than by failure.
// They are never surfaced to observers.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) || errors.Is(err, ErrDisposed)
}
