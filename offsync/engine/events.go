package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/runtime"
)

// EventKind identifies an advisory engine event.
type EventKind string

const (
	EventLifecycleStarting   EventKind = "lifecycle.starting"
	EventLifecycleStarted    EventKind = "lifecycle.started"
	EventLifecycleStopped    EventKind = "lifecycle.stopped"
	EventLifecycleLockFailed EventKind = "lifecycle.lock_failed"
	EventLifecycleLockLost   EventKind = "lifecycle.lock_lost"

	EventOutboxQueue     EventKind = "outbox.queue"
	EventOutboxQueueFull EventKind = "outbox.queue_full"

	EventPushStart   EventKind = "push.start"
	EventPushIdle    EventKind = "push.idle"
	EventPushBackoff EventKind = "push.backoff"

	EventPullScheduled EventKind = "pull.scheduled"
	EventPullStart     EventKind = "pull.start"
	EventPullIdle      EventKind = "pull.idle"
	EventPullBackoff   EventKind = "pull.backoff"

	EventNotifyConnected EventKind = "notify.connected"
	EventNotifyMessage   EventKind = "notify.message"
	EventNotifyBackoff   EventKind = "notify.backoff"
	EventNotifyStopped   EventKind = "notify.stopped"
)

// Event is an advisory notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	At   time.Time
	// Attempt is the one-based failed attempt for backoff events.
	Attempt int
	// Delay is the wait before the next attempt for backoff events.
	Delay time.Duration
	// Count is the number of items or changes involved.
	Count int
	// Cause is why a pull was scheduled.
	Cause PullCause
	// Key is the idempotency key for outbox events.
	Key       string
	Resources []string
	Err       error
}

// observer funnels events and errors to user callbacks. Callbacks run under
// runtime.SafeCall, so a panicking callback is logged and dropped.
type observer struct {
	onEvent  func(Event)
	onError  func(error, Phase)
	logger   log.Logger
	clock    clockwork.Clock
	sanitize bool
}

func (o *observer) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = o.clock.Now()
	}

	if o.logger.Enabled(log.LevelDebug) {
		o.logger.Log(ctx, log.LevelDebug, "sync event", log.String("event", string(ev.Kind)))
	}

	if o.onEvent == nil {
		return
	}

	runtime.SafeCall(ctx, o.logger, "engine", "on-event", func() {
		o.onEvent(ev)
	})
}

func (o *observer) report(ctx context.Context, phase Phase, err error) {
	if err == nil || isCancellation(err) {
		return
	}

	log.SafeError(o.logger.With(log.String("phase", string(phase))), ctx, "sync error", err, o.sanitize)

	if o.onError == nil {
		return
	}

	wrapped := &PhaseError{Phase: phase, Err: err}

	runtime.SafeCall(ctx, o.logger, "engine", "on-error", func() {
		o.onError(wrapped, phase)
	})
}
