package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/cursor"
	"github.com/LerianStudio/lib-offsync/offsync/idgen"
	"github.com/LerianStudio/lib-offsync/offsync/internal/nilcheck"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/outbox"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
	"github.com/LerianStudio/lib-offsync/offsync/runtime"
)

const notificationBuffer = 16

// State is the engine lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Dependencies are the collaborators an Engine drives.
type Dependencies struct {
	Transport protocol.Transport
	Applier   protocol.Applier
	Outbox    outbox.Store
	Cursor    cursor.Store
	// LockStore backs the default kv lease. It may be nil when a lock
	// factory is supplied with WithLockFactory.
	LockStore kv.Store
}

// Engine coordinates the push, pull and notify lanes under a single-instance
// lease. All methods are safe for concurrent use.
type Engine struct {
	deps          Dependencies
	cfg           Config
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	clock         clockwork.Clock
	ids           idgen.Generator
	lockFactory   LockFactory
	onEvent       func(Event)
	onError       func(error, Phase)

	obs     *observer
	metrics engineMetrics
	ownerID string

	push   *pushLane
	pull   *pullLane
	notify *notifyLane

	// lifecycleMu serializes run setup and teardown.
	lifecycleMu sync.Mutex

	stateMu       sync.Mutex
	state         State
	startCall     *startCall
	current       *run
	acquireCancel context.CancelCauseFunc
}

type startCall struct {
	done chan struct{}
	err  error
}

// run is one lease-scoped activation of the lanes.
// run is one Start..Stop span. Notifications are buffered per run so a
// stopped run never hands stale ones to the next supervisor.
type run struct {
	ctx           context.Context
	cancel        context.CancelFunc
	locker        Locker
	done          chan struct{}
	notifications chan protocol.Notification
}

// New builds an idle engine.
func New(deps Dependencies, opts ...Option) (*Engine, error) {
	switch {
	case nilcheck.Interface(deps.Transport):
		return nil, ErrTransportRequired
	case nilcheck.Interface(deps.Applier):
		return nil, ErrApplierRequired
	case nilcheck.Interface(deps.Outbox):
		return nil, ErrOutboxRequired
	case nilcheck.Interface(deps.Cursor):
		return nil, ErrCursorRequired
	}

	e := &Engine{
		deps:   deps,
		cfg:    DefaultConfig(),
		logger: log.NewNop(),
		clock:  clockwork.NewRealClock(),
		ids:    idgen.UUID{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.lockFactory == nil {
		if nilcheck.Interface(deps.LockStore) {
			return nil, ErrLockRequired
		}

		e.lockFactory = KVLockFactory(deps.LockStore)
	}

	e.cfg.normalize()
	e.tracer = telemetry.TracerOrNoop(e.tracer)
	e.ownerID = e.ids.NewID()

	metrics, err := newEngineMetrics(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	e.metrics = metrics
	e.obs = &observer{
		onEvent:  e.onEvent,
		onError:  e.onError,
		logger:   e.logger,
		clock:    e.clock,
		sanitize: e.cfg.SanitizeErrors,
	}

	e.push = &pushLane{
		transport: deps.Transport,
		applier:   deps.Applier,
		box:       deps.Outbox,
		cfg: pushConfig{
			batchSize: e.cfg.PushBatchSize,
			strategy:  e.cfg.ConflictStrategy,
			retry:     e.cfg.PushRetry,
		},
		clock:   e.clock,
		ids:     e.ids,
		logger:  e.logger.With(log.Lane("push")),
		tracer:  e.tracer,
		metrics: metrics,
		obs:     e.obs,
	}

	e.pull = &pullLane{
		transport: deps.Transport,
		applier:   deps.Applier,
		cursors:   deps.Cursor,
		cfg: pullConfig{
			limit:         e.cfg.PullLimit,
			resources:     e.cfg.PullResources,
			initialCursor: e.cfg.InitialCursor,
			retry:         e.cfg.PullRetry,
		},
		clock:   e.clock,
		logger:  e.logger.With(log.Lane("pull")),
		tracer:  e.tracer,
		metrics: metrics,
		obs:     e.obs,
	}

	e.notify = &notifyLane{
		transport: deps.Transport,
		resources: e.cfg.PullResources,
		retry:     e.cfg.NotifyRetry,
		clock:     e.clock,
		logger:    e.logger.With(log.Lane("notify")),
		tracer:    e.tracer,
		metrics:   metrics,
		obs:       e.obs,
		onNotify:  e.forwardNotification,
		enabled:   e.cfg.SubscribeEnabled,
	}

	return e, nil
}

// OwnerID is the lease owner id of this engine instance.
func (e *Engine) OwnerID() string {
	return e.ownerID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	return e.state
}

// Start acquires the lease and starts the enabled lanes. Concurrent calls
// share one attempt. When another instance holds the lease Start returns an
// error wrapping ErrLockUnavailable and the engine stays idle and startable.
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()

	switch e.state {
	case StateDisposed:
		e.stateMu.Unlock()
		return ErrDisposed
	case StateRunning:
		e.stateMu.Unlock()
		return nil
	case StateIdle, StateStarting:
	}

	if call := e.startCall; call != nil {
		e.stateMu.Unlock()

		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return fmt.Errorf("wait for start: %w", ctx.Err())
		}
	}

	call := &startCall{done: make(chan struct{})}
	e.startCall = call
	e.state = StateStarting
	e.stateMu.Unlock()

	call.err = e.startRun(ctx)

	e.stateMu.Lock()
	e.startCall = nil

	if call.err != nil && e.state == StateStarting {
		e.state = StateIdle
	}

	e.stateMu.Unlock()
	close(call.done)

	return call.err
}

func (e *Engine) startRun(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.State() == StateDisposed {
		return ErrDisposed
	}

	e.obs.emit(ctx, Event{Kind: EventLifecycleStarting})

	locker, err := e.lockFactory(e.ownerID, e.cfg.lockConfig(e.clock, e.logger.With(log.String("component", "lock")), e.tracer))
	if err != nil {
		return e.lockFailed(ctx, err)
	}

	acquireCtx, cancelAcquire := context.WithCancelCause(ctx)
	defer cancelAcquire(nil)

	e.stateMu.Lock()
	e.acquireCancel = cancelAcquire
	e.stateMu.Unlock()

	if err := locker.Acquire(acquireCtx); err != nil {
		e.stateMu.Lock()
		e.acquireCancel = nil
		e.stateMu.Unlock()

		if cause := context.Cause(acquireCtx); cause != nil {
			return abortedStart(cause)
		}

		return e.lockFailed(ctx, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		ctx:           runCtx,
		cancel:        cancel,
		locker:        locker,
		done:          make(chan struct{}),
		notifications: make(chan protocol.Notification, notificationBuffer),
	}

	recovered, err := e.deps.Outbox.RecoverStale(runCtx, e.clock.Now(), e.cfg.InFlightTimeout)
	if err != nil {
		e.obs.report(runCtx, PhaseOutbox, fmt.Errorf("recover stale items: %w", err))
	} else if recovered > 0 {
		e.logger.Log(runCtx, log.LevelInfo, "released stale in-flight items", log.Int("count", recovered))
	}

	// Stop and Dispose cancel acquireCtx under stateMu, so checking the cause
	// here decides atomically whether the run goes live.
	e.stateMu.Lock()
	e.acquireCancel = nil

	cause := context.Cause(acquireCtx)
	if cause == nil && e.state == StateDisposed {
		cause = ErrDisposed
	}

	if cause != nil {
		e.stateMu.Unlock()
		cancel()
		e.releaseLocker(ctx, locker)

		return abortedStart(cause)
	}

	e.state = StateRunning
	e.current = r
	e.stateMu.Unlock()

	if e.cfg.PushEnabled {
		e.push.enable(runCtx)
	}

	if e.cfg.PullEnabled {
		e.pull.start(runCtx)
	}

	e.notify.start(runCtx)

	runtime.SafeGo(e.logger, "engine-supervisor", runtime.KeepRunning, func() {
		e.supervise(r)
	})

	e.obs.emit(runCtx, Event{Kind: EventLifecycleStarted})
	e.logger.Log(runCtx, log.LevelInfo, "sync engine started", log.String("owner_id", e.ownerID))

	e.push.requestFlush()

	if e.cfg.PullEnabled && e.cfg.PullOnStart {
		e.pull.requestPull(runCtx, PullRequest{Cause: PullCauseStart})
	}

	return nil
}

// abortedStart maps the reason a start was abandoned to its error.
func abortedStart(cause error) error {
	if errors.Is(cause, ErrDisposed) || errors.Is(cause, ErrStopped) {
		return cause
	}

	return fmt.Errorf("start: %w", cause)
}

func (e *Engine) lockFailed(ctx context.Context, err error) error {
	e.obs.emit(ctx, Event{Kind: EventLifecycleLockFailed, Err: err})
	e.obs.report(ctx, PhaseLock, err)

	return fmt.Errorf("%w: %w", ErrLockUnavailable, err)
}

// supervise routes cross-lane signals for one run until it ends.
func (e *Engine) supervise(r *run) {
	defer close(r.done)

	var tick <-chan time.Time

	if e.cfg.PullEnabled && e.cfg.PullInterval > 0 {
		ticker := e.clock.NewTicker(e.cfg.PullInterval)
		defer ticker.Stop()

		tick = ticker.Chan()
	}

	var changes <-chan outbox.Notice
	if notifier, ok := e.deps.Outbox.(outbox.ChangeNotifier); ok {
		changes = notifier.Changes()
	}

	lost := r.locker.Lost()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-lost:
			e.obs.emit(r.ctx, Event{Kind: EventLifecycleLockLost})
			e.obs.report(r.ctx, PhaseLock, ErrLockLost)

			runtime.SafeGo(e.logger, "engine-lock-lost", runtime.KeepRunning, func() {
				e.stopRun(context.Background(), r, ErrLockLost)
			})

			return
		case notice, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}

			e.onOutboxNotice(r.ctx, notice)
		case n := <-r.notifications:
			e.pull.requestPull(r.ctx, PullRequest{
				Cause:     PullCauseNotify,
				Resources: n.Resources,
				Debounce:  e.cfg.PullDebounce,
			})
		case <-tick:
			e.pull.requestPull(r.ctx, PullRequest{Cause: PullCauseInterval})
		}
	}
}

func (e *Engine) onOutboxNotice(ctx context.Context, notice outbox.Notice) {
	switch notice.Kind {
	case outbox.NoticeEvicted:
		e.logger.Log(ctx, log.LevelWarn, "outbox full, oldest pending item evicted", log.IdempotencyKey(notice.IdempotencyKey))
		e.obs.emit(ctx, Event{Kind: EventOutboxQueueFull, Key: notice.IdempotencyKey, Count: notice.Len})

		return
	case outbox.NoticeEnqueued:
		e.obs.emit(ctx, Event{Kind: EventOutboxQueue, Key: notice.IdempotencyKey, Count: notice.Len})
	}

	e.push.requestFlush()
}

func (e *Engine) forwardNotification(n protocol.Notification) {
	e.stateMu.Lock()
	r := e.current
	e.stateMu.Unlock()

	if r == nil {
		return
	}

	select {
	case r.notifications <- n:
	default:
		// A pull is already queued; it will observe this change too.
	}
}

// Stop ends the current run and releases the lease. Queued writes stay in the
// outbox. Stopping an idle engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.stateMu.Lock()

	if e.state == StateDisposed {
		e.stateMu.Unlock()
		return nil
	}

	if e.acquireCancel != nil {
		e.acquireCancel(ErrStopped)
	}

	r := e.current
	e.stateMu.Unlock()

	if r == nil {
		return nil
	}

	e.stopRun(ctx, r, ErrStopped)

	return nil
}

// Dispose stops the engine permanently. Every later call fails with
// ErrDisposed.
func (e *Engine) Dispose(ctx context.Context) error {
	e.stateMu.Lock()

	if e.state == StateDisposed {
		e.stateMu.Unlock()
		return nil
	}

	e.state = StateDisposed
	r := e.current
	e.current = nil

	if e.acquireCancel != nil {
		e.acquireCancel(ErrDisposed)
	}

	e.stateMu.Unlock()

	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if r != nil {
		e.teardown(ctx, r, ErrDisposed)
	}

	e.push.dispose()
	e.pull.dispose()
	e.notify.dispose()

	e.logger.Log(ctx, log.LevelInfo, "sync engine disposed")

	return nil
}

func (e *Engine) stopRun(ctx context.Context, r *run, reason error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.stateMu.Lock()

	if e.current != r {
		e.stateMu.Unlock()
		return
	}

	e.current = nil
	e.stateMu.Unlock()

	e.teardown(ctx, r, reason)
}

// teardown must run under lifecycleMu with r already detached.
func (e *Engine) teardown(ctx context.Context, r *run, reason error) {
	r.cancel()
	<-r.done

	e.notify.stop()
	e.push.disable()
	e.pull.stop(reason)

	e.releaseLocker(ctx, r.locker)

	e.stateMu.Lock()
	if e.state != StateDisposed {
		e.state = StateIdle
	}
	e.stateMu.Unlock()

	ev := Event{Kind: EventLifecycleStopped}
	if !errors.Is(reason, ErrStopped) {
		ev.Err = reason
	}

	e.obs.emit(context.WithoutCancel(ctx), ev)
	e.logger.Log(ctx, log.LevelInfo, "sync engine stopped", log.String("reason", reason.Error()))
}

func (e *Engine) releaseLocker(ctx context.Context, locker Locker) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultLockReleaseTimeout)
	defer cancel()

	if err := locker.Release(releaseCtx); err != nil {
		e.obs.report(releaseCtx, PhaseLock, err)
	}
}

// ensureRunning starts an idle engine.
func (e *Engine) ensureRunning(ctx context.Context) error {
	switch e.State() {
	case StateRunning:
		return nil
	case StateDisposed:
		return ErrDisposed
	case StateIdle, StateStarting:
	}

	return e.Start(ctx)
}

// Flush starts the engine if needed and waits until the outbox has been
// drained or the current drain gives up. It returns the drain's error.
// A disabled push lane fails fast without starting the engine.
func (e *Engine) Flush(ctx context.Context) error {
	if e.State() == StateDisposed {
		return ErrDisposed
	}

	if !e.cfg.PushEnabled {
		return ErrPushDisabled
	}

	if err := e.ensureRunning(ctx); err != nil {
		return err
	}

	return e.push.flush(ctx)
}

// Pull starts the engine if needed and waits for a pull drain. The batch is
// the last non-empty batch applied, or nil when there was nothing new.
func (e *Engine) Pull(ctx context.Context) (*protocol.PullBatch, error) {
	if e.State() == StateDisposed {
		return nil, ErrDisposed
	}

	if !e.cfg.PullEnabled {
		return nil, ErrPullDisabled
	}

	if err := e.ensureRunning(ctx); err != nil {
		return nil, err
	}

	return e.pull.requestPull(ctx, PullRequest{Cause: PullCauseManual}).Wait(ctx)
}

// NotifyOutboxChanged asks the push lane to drain. Stores that implement
// outbox.ChangeNotifier do not need it.
func (e *Engine) NotifyOutboxChanged() {
	e.push.requestFlush()
}

// SetNotifyEnabled opens or closes the realtime subscription. The choice is
// remembered across runs.
func (e *Engine) SetNotifyEnabled(enabled bool) {
	e.notify.setEnabled(enabled)
}
