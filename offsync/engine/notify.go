package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
	"github.com/LerianStudio/lib-offsync/offsync/runtime"
)

var errCycleAborted = errors.New("engine: reconnect cycle aborted")

// notifyLane keeps at most one realtime subscription open. Each connect
// attempt sequence is a cycle identified by cycleID; any state change bumps
// the id so stale cycles and stale subscription callbacks are ignored.
type notifyLane struct {
	transport protocol.Transport
	resources []string
	retry     backoff.Policy
	clock     clockwork.Clock
	logger    log.Logger
	tracer    trace.Tracer
	metrics   engineMetrics
	obs       *observer
	onNotify  func(protocol.Notification)

	mu          sync.Mutex
	runCtx      context.Context
	running     bool
	enabled     bool
	disposed    bool
	sub         protocol.Subscription
	cycleID     uint64
	cycleCancel context.CancelFunc
	connecting  bool
}

func (l *notifyLane) start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	l.runCtx = ctx
	l.running = true

	if l.enabled {
		l.startCycleLocked()
	}
}

// setEnabled toggles the desired-connected flag. Disabling closes the live
// subscription; enabling reconnects if a run is active.
func (l *notifyLane) setEnabled(enabled bool) {
	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return
	}

	l.enabled = enabled

	if enabled {
		if l.running && l.sub == nil {
			l.startCycleLocked()
		}

		l.mu.Unlock()

		return
	}

	sub := l.invalidateLocked()
	l.mu.Unlock()

	l.closeSubscription(sub)
}

func (l *notifyLane) stop() {
	l.mu.Lock()

	wasRunning := l.running
	l.running = false
	sub := l.invalidateLocked()
	ctx := l.runCtx
	l.mu.Unlock()

	l.closeSubscription(sub)

	if wasRunning {
		l.obs.emit(context.WithoutCancel(ctx), Event{Kind: EventNotifyStopped})
	}
}

func (l *notifyLane) dispose() {
	l.stop()

	l.mu.Lock()
	l.disposed = true
	l.enabled = false
	l.mu.Unlock()
}

// invalidateLocked ends the current cycle and detaches the live subscription,
// which the caller closes outside the lock.
func (l *notifyLane) invalidateLocked() protocol.Subscription {
	l.cycleID++
	l.connecting = false

	if l.cycleCancel != nil {
		l.cycleCancel()
		l.cycleCancel = nil
	}

	sub := l.sub
	l.sub = nil

	return sub
}

func (l *notifyLane) closeSubscription(sub protocol.Subscription) {
	if sub == nil {
		return
	}

	if err := sub.Close(); err != nil {
		l.logger.Log(context.Background(), log.LevelWarn, "failed to close subscription", log.Err(err))
	}
}

func (l *notifyLane) startCycleLocked() {
	if l.connecting || l.runCtx == nil {
		return
	}

	l.cycleID++
	l.connecting = true

	ctx, cancel := context.WithCancel(l.runCtx)
	l.cycleCancel = cancel
	id := l.cycleID

	runtime.SafeGo(l.logger, "notify-connect", runtime.KeepRunning, func() {
		l.runCycle(ctx, id)
	})
}

func (l *notifyLane) current(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return id == l.cycleID && l.running && l.enabled
}

func (l *notifyLane) runCycle(ctx context.Context, id uint64) {
	err := backoff.Retry(ctx, l.clock, l.retry, func(ctx context.Context, attempt int) error {
		if !l.current(id) {
			return backoff.Permanent(errCycleAborted)
		}

		return l.connect(ctx, id, attempt)
	}, func(attempt backoff.Attempt) {
		l.metrics.addNotifyReconnect(ctx)
		l.obs.emit(ctx, Event{
			Kind:    EventNotifyBackoff,
			Attempt: attempt.Number,
			Delay:   l.retry.Estimate(attempt.Number - 1),
			Err:     attempt.Err,
		})
	})
	if err == nil {
		return
	}

	l.mu.Lock()

	aborted := id != l.cycleID || !l.running || !l.enabled
	if !aborted {
		l.connecting = false

		if l.cycleCancel != nil {
			l.cycleCancel()
			l.cycleCancel = nil
		}
	}

	l.mu.Unlock()

	if aborted || errors.Is(err, errCycleAborted) {
		return
	}

	l.obs.report(ctx, PhaseNotify, err)
}

func (l *notifyLane) connect(ctx context.Context, id uint64, attempt int) error {
	ctx, span := l.tracer.Start(ctx, "offsync.notify.connect", trace.WithAttributes(
		attribute.Int("offsync.notify.attempt", attempt+1),
	))
	defer span.End()

	sub, err := l.transport.Subscribe(ctx, protocol.SubscribeRequest{
		Resources: l.resources,
		OnMessage: func(n protocol.Notification) {
			l.onMessage(id, n)
		},
		OnError: func(err error) {
			l.onSubscriptionError(id, err)
		},
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to subscribe", err)

		return err
	}

	l.mu.Lock()

	if id != l.cycleID || !l.running || !l.enabled {
		l.mu.Unlock()
		l.closeSubscription(sub)

		return backoff.Permanent(errCycleAborted)
	}

	l.sub = sub
	l.connecting = false
	l.mu.Unlock()

	l.obs.emit(ctx, Event{Kind: EventNotifyConnected, Attempt: attempt + 1, Resources: l.resources})

	return nil
}

func (l *notifyLane) onMessage(id uint64, n protocol.Notification) {
	l.mu.Lock()
	live := id == l.cycleID && l.running
	ctx := l.runCtx
	l.mu.Unlock()

	if !live {
		return
	}

	l.obs.emit(ctx, Event{Kind: EventNotifyMessage, Resources: n.Resources})

	if l.onNotify != nil {
		l.onNotify(n)
	}
}

// onSubscriptionError replaces a failed subscription with a fresh cycle.
func (l *notifyLane) onSubscriptionError(id uint64, err error) {
	l.mu.Lock()

	if id != l.cycleID || !l.running {
		l.mu.Unlock()
		return
	}

	sub := l.invalidateLocked()
	ctx := l.runCtx

	if l.enabled {
		l.startCycleLocked()
	}

	l.mu.Unlock()

	l.logger.Log(ctx, log.LevelWarn, "subscription failed, reconnecting", log.Err(err))
	l.closeSubscription(sub)
}
