package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/cursor"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
	"github.com/LerianStudio/lib-offsync/offsync/runtime"
)

// PullCause tells why a pull was requested.
type PullCause string

const (
	PullCauseManual   PullCause = "manual"
	PullCauseNotify   PullCause = "notify"
	PullCauseInterval PullCause = "interval"
	PullCauseStart    PullCause = "start"
)

// PullRequest schedules a pull on the pull lane.
type PullRequest struct {
	Cause PullCause
	// Resources are the resources a notification mentioned. A notify-caused
	// request whose resources miss the configured allow-list is dropped.
	Resources []string
	// Debounce delays the drain so bursts of requests coalesce.
	Debounce time.Duration
}

// PullFuture resolves when the drain that covers its request finishes.
type PullFuture struct {
	done  chan struct{}
	batch *protocol.PullBatch
	err   error
}

func newPullFuture() *PullFuture {
	return &PullFuture{done: make(chan struct{})}
}

func resolvedPull(batch *protocol.PullBatch, err error) *PullFuture {
	f := newPullFuture()
	f.resolve(batch, err)

	return f
}

func (f *PullFuture) resolve(batch *protocol.PullBatch, err error) {
	f.batch = batch
	f.err = err
	close(f.done)
}

// Done is closed once the future is resolved.
func (f *PullFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends. The batch is the last
// non-empty batch of the drain, or nil when nothing was pulled.
func (f *PullFuture) Wait(ctx context.Context) (*protocol.PullBatch, error) {
	select {
	case <-f.done:
		return f.batch, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for pull: %w", ctx.Err())
	}
}

type pullConfig struct {
	limit         int
	resources     []string
	initialCursor string
	retry         backoff.Policy
}

// pullLane fetches remote changes. Requests coalesce into a single drain
// goroutine; a debounce timer delays the drain while requests keep coming.
type pullLane struct {
	transport protocol.Transport
	applier   protocol.Applier
	cursors   cursor.Store
	cfg       pullConfig
	clock     clockwork.Clock
	logger    log.Logger
	tracer    trace.Tracer
	metrics   engineMetrics
	obs       *observer

	// roundTripMu keeps round trips strictly sequential across generations.
	roundTripMu sync.Mutex

	mu       sync.Mutex
	runCtx   context.Context
	running  bool
	disposed bool
	pending  bool
	draining bool
	waiters  []*PullFuture
	timer    clockwork.Timer
	gen      uint64
}

func (l *pullLane) start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	l.runCtx = ctx
	l.running = true
}

func (l *pullLane) requestPull(ctx context.Context, req PullRequest) *PullFuture {
	if req.Cause == "" {
		req.Cause = PullCauseManual
	}

	if req.Cause == PullCauseNotify && !protocol.IntersectsResources(req.Resources, l.cfg.resources) {
		return resolvedPull(nil, nil)
	}

	future, err := l.schedule(req.Debounce)
	if err != nil {
		return resolvedPull(nil, err)
	}

	l.obs.emit(ctx, Event{Kind: EventPullScheduled, Cause: req.Cause, Resources: req.Resources})

	return future
}

func (l *pullLane) schedule(debounce time.Duration) (*PullFuture, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil, ErrDisposed
	}

	if !l.running {
		return nil, ErrStopped
	}

	future := newPullFuture()
	l.waiters = append(l.waiters, future)
	l.pending = true

	if debounce > 0 && !l.draining {
		// An armed window is reused; it is not extended by later requests.
		if l.timer == nil {
			gen := l.gen
			l.timer = l.clock.AfterFunc(debounce, func() {
				l.fireDebounce(gen)
			})
		}

		return future, nil
	}

	l.startDrainLocked()

	return future, nil
}

func (l *pullLane) fireDebounce(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen || !l.running || !l.pending {
		return
	}

	l.timer = nil
	l.startDrainLocked()
}

func (l *pullLane) startDrainLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}

	if l.draining {
		return
	}

	l.draining = true
	ctx := l.runCtx
	gen := l.gen

	runtime.SafeGo(l.logger, "pull-drain", runtime.KeepRunning, func() {
		l.drainLoop(ctx, gen)
	})
}

func (l *pullLane) drainLoop(ctx context.Context, gen uint64) {
	var (
		last *protocol.PullBatch
		err  error
	)

	for {
		l.mu.Lock()

		if gen != l.gen {
			// stop already rejected the waiters of this generation.
			l.mu.Unlock()
			return
		}

		if !l.pending || err != nil {
			waiters := l.waiters
			l.waiters = nil
			l.draining = false
			l.mu.Unlock()

			for _, waiter := range waiters {
				waiter.resolve(last, err)
			}

			if err == nil {
				l.obs.emit(ctx, Event{Kind: EventPullIdle})
			}

			return
		}

		l.pending = false
		l.mu.Unlock()

		var batch *protocol.PullBatch

		batch, err = l.pullUntilCaughtUp(ctx)
		if err != nil {
			l.obs.report(ctx, PhasePull, err)
			continue
		}

		if !batch.Empty() {
			last = batch
		}
	}
}

// pullUntilCaughtUp runs round trips while the server reports more changes
// and the cursor keeps advancing. It returns the last non-empty batch.
func (l *pullLane) pullUntilCaughtUp(ctx context.Context) (*protocol.PullBatch, error) {
	var last *protocol.PullBatch

	for {
		var (
			batch    *protocol.PullBatch
			advanced bool
		)

		err := backoff.Retry(ctx, l.clock, l.cfg.retry, func(ctx context.Context, attempt int) error {
			var err error

			batch, advanced, err = l.roundTrip(ctx, attempt)

			return err
		}, func(attempt backoff.Attempt) {
			l.obs.emit(ctx, Event{Kind: EventPullBackoff, Attempt: attempt.Number, Delay: attempt.Delay, Err: attempt.Err})
		})
		if err != nil {
			return last, err
		}

		if !batch.Empty() {
			last = batch
		}

		if batch == nil || !batch.HasMore || !advanced {
			return last, nil
		}
	}
}

// roundTrip reads the cursor, fetches one bounded batch, applies it and
// commits the next cursor. The cursor only moves after a successful apply.
func (l *pullLane) roundTrip(ctx context.Context, attempt int) (*protocol.PullBatch, bool, error) {
	l.roundTripMu.Lock()
	defer l.roundTripMu.Unlock()

	ctx, span := l.tracer.Start(ctx, "offsync.pull.round_trip", trace.WithAttributes(
		attribute.Int("offsync.pull.attempt", attempt+1),
	))
	defer span.End()

	current, ok, err := l.cursors.Get(ctx)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to read cursor", err)

		return nil, false, fmt.Errorf("read cursor: %w", err)
	}

	if !ok {
		current = l.cfg.initialCursor
	}

	l.obs.emit(ctx, Event{Kind: EventPullStart, Attempt: attempt + 1})

	batch, err := l.transport.PullChanges(ctx, protocol.PullRequest{
		Cursor:    current,
		Limit:     l.cfg.limit,
		Resources: l.cfg.resources,
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to pull changes", err)

		return nil, false, fmt.Errorf("pull changes: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if batch == nil {
		batch = &protocol.PullBatch{}
	}

	span.SetAttributes(attribute.Int("offsync.pull.changes", len(batch.Changes)))

	if len(batch.Changes) > 0 {
		if err := l.applier.ApplyPullChanges(ctx, batch.Changes); err != nil {
			telemetry.HandleSpanError(span, "failed to apply changes", err)

			return nil, false, fmt.Errorf("apply pull changes: %w", err)
		}

		l.metrics.addPullChanges(ctx, len(batch.Changes))
	}

	advanced := false

	if batch.NextCursor != "" {
		advanced, err = l.cursors.Set(ctx, batch.NextCursor)
		if err != nil {
			telemetry.HandleSpanError(span, "failed to commit cursor", err)

			return nil, false, fmt.Errorf("commit cursor: %w", err)
		}
	}

	return batch, advanced, nil
}

// stop invalidates the current generation: the debounce timer is dropped,
// pending waiters are rejected with reason and an in-progress drain discards
// its outcome.
func (l *pullLane) stop(reason error) {
	l.mu.Lock()

	l.gen++
	l.running = false
	l.pending = false
	l.draining = false

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}

	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	if reason == nil {
		reason = ErrStopped
	}

	for _, waiter := range waiters {
		waiter.resolve(nil, reason)
	}
}

func (l *pullLane) dispose() {
	l.stop(ErrDisposed)

	l.mu.Lock()
	l.disposed = true
	l.mu.Unlock()
}
