package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/idgen"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/outbox"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
	"github.com/LerianStudio/lib-offsync/offsync/runtime"
)

type batchResult int

const (
	batchIdle batchResult = iota
	batchContinue
	batchRetry
)

type entityKey struct {
	resource string
	entityID string
}

type pushConfig struct {
	batchSize int
	strategy  protocol.ConflictStrategy
	retry     backoff.Policy
}

// pushLane drains the outbox to the transport. At most one drain goroutine
// runs at a time; requests made while it runs are folded into its next cycle.
type pushLane struct {
	transport protocol.Transport
	applier   protocol.Applier
	box       outbox.Store
	cfg       pushConfig
	clock     clockwork.Clock
	ids       idgen.Generator
	logger    log.Logger
	tracer    trace.Tracer
	metrics   engineMetrics
	obs       *observer

	mu        sync.Mutex
	enabled   bool
	disposed  bool
	runCtx    context.Context
	requested bool
	draining  bool
	waiters   []chan error
}

func (l *pushLane) enable(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	l.enabled = true
	l.runCtx = ctx
}

// disable pauses the lane and drops any queued drain request. The outbox is
// left untouched.
func (l *pushLane) disable() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = false
	l.requested = false
}

func (l *pushLane) dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disposed = true
	l.enabled = false
	l.requested = false
}

func (l *pushLane) requestFlush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.disposed {
		return
	}

	l.requested = true
	l.startDrainLocked()
}

// flush requests a drain and waits until the lane goes idle. It returns the
// error of the last drain cycle, if any.
func (l *pushLane) flush(ctx context.Context) error {
	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return ErrDisposed
	}

	if !l.enabled {
		l.mu.Unlock()
		return ErrPushDisabled
	}

	done := make(chan error, 1)
	l.waiters = append(l.waiters, done)
	l.requested = true
	l.startDrainLocked()
	l.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("flush: %w", ctx.Err())
	}
}

func (l *pushLane) startDrainLocked() {
	if l.draining {
		return
	}

	l.draining = true

	runtime.SafeGo(l.logger, "push-drain", runtime.KeepRunning, l.drainLoop)
}

func (l *pushLane) drainLoop() {
	var lastErr error

	for {
		l.mu.Lock()

		if !l.enabled || l.disposed || !l.requested {
			waiters := l.waiters
			l.waiters = nil
			l.draining = false

			result := lastErr
			if !l.enabled || l.disposed {
				result = ErrPushDisabled
			}

			l.mu.Unlock()

			for _, waiter := range waiters {
				waiter <- result
			}

			return
		}

		l.requested = false
		ctx := l.runCtx
		l.mu.Unlock()

		lastErr = l.drainUntilIdle(ctx)
	}
}

func (l *pushLane) isEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.enabled && !l.disposed
}

// drainUntilIdle sends batches until the outbox has no pending items or a
// batch exhausts its retry budget.
func (l *pushLane) drainUntilIdle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !l.isEnabled() {
			return ErrPushDisabled
		}

		idle := false

		err := backoff.Retry(ctx, l.clock, l.cfg.retry, func(ctx context.Context, attempt int) error {
			result, err := l.runBatch(ctx, attempt)
			if err != nil {
				return err
			}

			switch result {
			case batchIdle:
				idle = true
			case batchRetry:
				return errRetryableItems
			case batchContinue:
			}

			return nil
		}, func(attempt backoff.Attempt) {
			l.obs.emit(ctx, Event{Kind: EventPushBackoff, Attempt: attempt.Number, Delay: attempt.Delay, Err: attempt.Err})
		})
		if err != nil {
			l.obs.report(ctx, PhasePush, err)

			return err
		}

		if idle {
			l.obs.emit(ctx, Event{Kind: EventPushIdle})

			return nil
		}
	}
}

type settled struct {
	item    outbox.Item
	outcome protocol.Outcome
}

// runBatch performs one batch attempt: select, mark, send, classify, settle.
func (l *pushLane) runBatch(ctx context.Context, attempt int) (batchResult, error) {
	items, err := l.box.Peek(ctx, l.cfg.batchSize)
	if err != nil {
		return batchIdle, fmt.Errorf("peek outbox: %w", err)
	}

	if len(items) == 0 {
		return batchIdle, nil
	}

	l.obs.emit(ctx, Event{Kind: EventPushStart, Count: len(items), Attempt: attempt + 1})

	ctx, span := l.tracer.Start(ctx, "offsync.push.batch", trace.WithAttributes(
		attribute.Int("offsync.push.batch_size", len(items)),
		attribute.Int("offsync.push.attempt", attempt+1),
	))
	defer span.End()

	started := l.clock.Now()
	defer func() {
		l.metrics.recordBatchLatency(ctx, l.clock.Since(started).Seconds())
	}()

	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.IdempotencyKey
	}

	// Marks go on before anything can fail so a crash leaves the items
	// recoverable through the in-flight timeout.
	if err := l.box.MarkInFlight(ctx, keys, l.clock.Now()); err != nil {
		telemetry.HandleSpanError(span, "failed to mark items in flight", err)

		return batchIdle, fmt.Errorf("mark in flight: %w", err)
	}

	ops := make([]protocol.Operation, 0, len(items))
	byOpID := make(map[string]outbox.Item, len(items))
	results := make([]settled, 0, len(items))

	for _, item := range items {
		op, err := protocol.BuildWriteOp(l.ids.NewID(), item.IdempotencyKey, item.Intent)
		if err != nil {
			l.logger.Log(ctx, log.LevelWarn, "outbox item cannot be encoded, rejecting locally",
				log.IdempotencyKey(item.IdempotencyKey), log.Err(err))

			results = append(results, settled{item: item, outcome: protocol.Outcome{
				Kind:  protocol.OutcomeReject,
				Error: &protocol.WriteError{Kind: protocol.ErrorKindLocal, Message: err.Error()},
			}})

			continue
		}

		ops = append(ops, op)
		byOpID[op.ID] = item
	}

	if len(ops) > 0 {
		opResults, err := l.transport.ExecuteOps(ctx, ops, protocol.BatchMeta{BatchID: l.ids.NewID(), Attempt: attempt})
		if err == nil && ctx.Err() != nil {
			// Results that arrive after stop are discarded.
			err = ctx.Err()
		}

		if err != nil {
			if releaseErr := l.box.ReleaseInFlight(context.WithoutCancel(ctx), keys); releaseErr != nil {
				l.obs.report(ctx, PhaseOutbox, fmt.Errorf("release in-flight marks: %w", releaseErr))
			}

			telemetry.HandleSpanError(span, "failed to execute batch", err)

			return batchIdle, fmt.Errorf("execute ops: %w", err)
		}

		for _, op := range ops {
			result, found := opResults[op.ID]
			results = append(results, settled{item: byOpID[op.ID], outcome: protocol.Classify(result, found)})
		}
	}

	// The server has answered; bookkeeping completes even if the run stops now.
	retried, err := l.settle(context.WithoutCancel(ctx), results)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to settle batch", err)

		return batchIdle, err
	}

	if retried > 0 {
		return batchRetry, nil
	}

	return batchContinue, nil
}

func (l *pushLane) settle(ctx context.Context, results []settled) (int, error) {
	var (
		ackKeys    []string
		rejectKeys []string
		retryKeys  []string
		candidates = make(map[entityKey]outbox.RebaseCandidate)
	)

	for _, res := range results {
		item := res.item

		switch res.outcome.Kind {
		case protocol.OutcomeAck:
			ack := protocol.WriteAck{
				IdempotencyKey: item.IdempotencyKey,
				Intent:         item.Intent,
				Version:        res.outcome.Version,
				Data:           res.outcome.Data,
			}

			if err := l.applier.ApplyWriteAck(ctx, ack); err != nil {
				l.obs.report(ctx, PhasePush, fmt.Errorf("apply write ack %s: %w", item.IdempotencyKey, err))
			}

			ackKeys = append(ackKeys, item.IdempotencyKey)

			if res.outcome.Version > 0 {
				key := entityKey{resource: item.Intent.Resource, entityID: item.Intent.EntityID}

				if existing, ok := candidates[key]; !ok || item.EnqueuedAt.After(existing.AfterEnqueuedAt) {
					candidates[key] = outbox.RebaseCandidate{
						Resource:        item.Intent.Resource,
						EntityID:        item.Intent.EntityID,
						BaseVersion:     res.outcome.Version,
						AfterEnqueuedAt: item.EnqueuedAt,
					}
				}
			}
		case protocol.OutcomeRetry:
			retryKeys = append(retryKeys, item.IdempotencyKey)
		case protocol.OutcomeReject:
			reject := protocol.WriteReject{
				IdempotencyKey: item.IdempotencyKey,
				Intent:         item.Intent,
				Error:          res.outcome.Error,
			}

			if err := l.applier.ApplyWriteReject(ctx, reject, l.cfg.strategy); err != nil {
				l.obs.report(ctx, PhasePush, fmt.Errorf("apply write reject %s: %w", item.IdempotencyKey, err))
			}

			rejectKeys = append(rejectKeys, item.IdempotencyKey)
		}
	}

	var errs []error

	if len(ackKeys) > 0 {
		if err := l.box.Ack(ctx, ackKeys); err != nil {
			errs = append(errs, fmt.Errorf("ack outbox items: %w", err))
		}
	}

	if len(rejectKeys) > 0 {
		if err := l.box.Reject(ctx, rejectKeys); err != nil {
			errs = append(errs, fmt.Errorf("reject outbox items: %w", err))
		}
	}

	if len(retryKeys) > 0 {
		if err := l.box.ReleaseInFlight(ctx, retryKeys); err != nil {
			errs = append(errs, fmt.Errorf("release retryable items: %w", err))
		}
	}

	for _, candidate := range sortedCandidates(candidates) {
		if _, err := l.box.Rebase(ctx, candidate); err != nil {
			errs = append(errs, fmt.Errorf("rebase %s/%s: %w", candidate.Resource, candidate.EntityID, err))
		}
	}

	l.metrics.addPushItems(ctx, protocol.OutcomeAck, len(ackKeys))
	l.metrics.addPushItems(ctx, protocol.OutcomeReject, len(rejectKeys))
	l.metrics.addPushItems(ctx, protocol.OutcomeRetry, len(retryKeys))

	if len(retryKeys) > 0 {
		l.logger.Log(ctx, log.LevelDebug, "push batch has retryable items", log.Int("retryable", len(retryKeys)))
	}

	return len(retryKeys), errors.Join(errs...)
}

func sortedCandidates(candidates map[entityKey]outbox.RebaseCandidate) []outbox.RebaseCandidate {
	out := make([]outbox.RebaseCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, candidate)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}

		return out[i].EntityID < out[j].EntityID
	})

	return out
}
