//go:build unit

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/cursor"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

func change(entityID string, v int64) protocol.Change {
	return protocol.Change{Resource: "todos", EntityID: entityID, Op: protocol.ActionUpsert, Version: v}
}

func TestPullAppliesChangesAndAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		return &protocol.PullBatch{Changes: []protocol.Change{change("e1", 1), change("e2", 1)}, NextCursor: "10"}, nil
	}

	batch, err := h.engine.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Changes, 2)

	applied := h.applier.appliedChanges()
	require.Len(t, applied, 1)
	assert.Len(t, applied[0], 2)

	value, ok, err := h.cursor.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10", value)

	requests := h.transport.pullRequests()
	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].Cursor)
	assert.Equal(t, defaultPullLimit, requests[0].Limit)
	assert.True(t, h.rec.has(EventPullStart))
	assert.True(t, h.rec.has(EventPullIdle))
}

func TestPullStartsFromInitialCursor(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *Config) {
		cfg.InitialCursor = "5"
		cfg.PullResources = []string{"todos"}
	}))

	_, err := h.engine.Pull(context.Background())
	require.NoError(t, err)

	requests := h.transport.pullRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "5", requests[0].Cursor)
	assert.Equal(t, []string{"todos"}, requests[0].Resources)
}

func TestPullFollowsHasMoreWhileCursorAdvances(t *testing.T) {
	h := newHarness(t)

	h.transport.pull = func(_ context.Context, req protocol.PullRequest) (*protocol.PullBatch, error) {
		switch req.Cursor {
		case "":
			return &protocol.PullBatch{Changes: []protocol.Change{change("e1", 1)}, NextCursor: "1", HasMore: true}, nil
		case "1":
			return &protocol.PullBatch{Changes: []protocol.Change{change("e2", 1)}, NextCursor: "2"}, nil
		default:
			return &protocol.PullBatch{}, nil
		}
	}

	batch, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "2", batch.NextCursor)
	assert.Len(t, h.transport.pullRequests(), 2)
	assert.Len(t, h.applier.appliedChanges(), 2)
}

func TestPullStopsWhenCursorDoesNotAdvance(t *testing.T) {
	h := newHarness(t)

	h.transport.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		return &protocol.PullBatch{Changes: []protocol.Change{change("e1", 1)}, NextCursor: "7", HasMore: true}, nil
	}

	_, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.transport.pullRequests(), 2)
}

func TestStaleBatchDoesNotMoveCursorBackward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.cursor.Set(ctx, "100")
	require.NoError(t, err)

	h.transport.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		return &protocol.PullBatch{Changes: []protocol.Change{change("e1", 1)}, NextCursor: "90"}, nil
	}

	_, err = h.engine.Pull(ctx)
	require.NoError(t, err)

	value, _, err := h.cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", value)
	assert.Equal(t, "100", h.transport.pullRequests()[0].Cursor)
}

func TestPullFailureIsRetriedThenReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		return nil, errors.New("gateway timeout")
	}

	_, err := h.engine.Pull(ctx)
	require.ErrorIs(t, err, backoff.ErrExhausted)

	assert.Len(t, h.transport.pullRequests(), 3)
	assert.Len(t, h.rec.eventsOf(EventPullBackoff), 2)
	assert.Len(t, h.rec.errorsIn(PhasePull), 1)

	_, ok, err := h.cursor.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyFailureKeepsCursor(t *testing.T) {
	h := newHarness(t)
	h.applier.changesErr = errors.New("constraint violation")
	ctx := context.Background()

	h.transport.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		return &protocol.PullBatch{Changes: []protocol.Change{change("e1", 1)}, NextCursor: "3"}, nil
	}

	_, err := h.engine.Pull(ctx)
	require.Error(t, err)

	_, ok, err := h.cursor.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPullWithPullDisabled(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *Config) {
		cfg.PullEnabled = false
	}))

	ctx := context.Background()

	_, err := h.engine.Pull(ctx)
	require.ErrorIs(t, err, ErrPullDisabled)
	assert.Equal(t, StateIdle, h.engine.State())

	raw, err := h.store.Get(ctx, defaultLockKey)
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Empty(t, h.transport.pullRequests())
}

func TestPeriodicPullUsesClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := newHarness(t, withConfig(func(cfg *Config) {
		cfg.PullInterval = time.Minute
	}), withOptions(WithClock(clk)))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, h.engine.Start(ctx))

	// Waiters: the lease renewal ticker and the periodic pull ticker.
	require.NoError(t, clk.BlockUntilContext(ctx, 2))
	clk.Advance(time.Minute)

	require.Eventually(t, func() bool { return len(h.transport.pullRequests()) == 1 }, waitFor, tick)

	scheduled := h.rec.eventsOf(EventPullScheduled)
	require.NotEmpty(t, scheduled)
	assert.Equal(t, PullCauseInterval, scheduled[0].Cause)
}

func newTestPullLane(t *testing.T, tr *fakeTransport, clk clockwork.Clock, resources []string) *pullLane {
	t.Helper()

	cur, err := cursor.NewKVStore(kv.NewMemoryStore(), "")
	require.NoError(t, err)

	return &pullLane{
		transport: tr,
		applier:   &fakeApplier{},
		cursors:   cur,
		cfg:       pullConfig{limit: 10, resources: resources, retry: fastPolicy(1)},
		clock:     clk,
		logger:    log.NewNop(),
		tracer:    telemetry.TracerOrNoop(nil),
		obs:       &observer{logger: log.NewNop(), clock: clk},
	}
}

func TestDebouncedRequestsShareOneRoundTrip(t *testing.T) {
	clk := clockwork.NewFakeClock()
	tr := newFakeTransport()
	tr.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		return &protocol.PullBatch{Changes: []protocol.Change{change("e1", 2)}, NextCursor: "1"}, nil
	}

	lane := newTestPullLane(t, tr, clk, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	lane.start(ctx)

	futures := []*PullFuture{
		lane.requestPull(ctx, PullRequest{Cause: PullCauseNotify, Debounce: time.Second}),
		lane.requestPull(ctx, PullRequest{Cause: PullCauseNotify, Debounce: time.Second}),
		lane.requestPull(ctx, PullRequest{Cause: PullCauseNotify, Debounce: time.Second}),
	}

	assert.Empty(t, tr.pullRequests())

	clk.Advance(time.Second)

	var first *protocol.PullBatch

	for i, future := range futures {
		batch, err := future.Wait(ctx)
		require.NoError(t, err)
		require.NotNil(t, batch)

		if i == 0 {
			first = batch
		}

		assert.Same(t, first, batch)
	}

	assert.Len(t, tr.pullRequests(), 1)
}

func TestNotifyOutsideAllowListResolvesImmediately(t *testing.T) {
	clk := clockwork.NewFakeClock()
	tr := newFakeTransport()
	lane := newTestPullLane(t, tr, clk, []string{"todos"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	lane.start(ctx)

	future := lane.requestPull(ctx, PullRequest{Cause: PullCauseNotify, Resources: []string{"users"}})

	select {
	case <-future.Done():
	default:
		t.Fatal("future should already be resolved")
	}

	batch, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Empty(t, tr.pullRequests())
}

func TestStopRejectsQueuedWaiters(t *testing.T) {
	clk := clockwork.NewFakeClock()
	tr := newFakeTransport()
	lane := newTestPullLane(t, tr, clk, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	lane.start(ctx)

	first := lane.requestPull(ctx, PullRequest{Cause: PullCauseManual, Debounce: time.Second})
	second := lane.requestPull(ctx, PullRequest{Cause: PullCauseManual, Debounce: time.Second})

	lane.stop(ErrLockLost)

	_, err := first.Wait(ctx)
	require.ErrorIs(t, err, ErrLockLost)

	_, err = second.Wait(ctx)
	require.ErrorIs(t, err, ErrLockLost)

	clk.Advance(time.Second)

	assert.Never(t, func() bool { return len(tr.pullRequests()) > 0 }, 50*time.Millisecond, tick)

	_, err = lane.requestPull(ctx, PullRequest{}).Wait(ctx)
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopRejectsWaitersOfInFlightDrain(t *testing.T) {
	clk := clockwork.NewFakeClock()
	tr := newFakeTransport()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tr.pull = func(context.Context, protocol.PullRequest) (*protocol.PullBatch, error) {
		select {
		case entered <- struct{}{}:
		default:
		}

		<-release

		return &protocol.PullBatch{}, nil
	}

	lane := newTestPullLane(t, tr, clk, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	lane.start(ctx)

	first := lane.requestPull(ctx, PullRequest{Cause: PullCauseManual})

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("round trip never started")
	}

	second := lane.requestPull(ctx, PullRequest{Cause: PullCauseManual})

	lane.stop(ErrLockLost)

	_, err := first.Wait(ctx)
	require.ErrorIs(t, err, ErrLockLost)

	_, err = second.Wait(ctx)
	require.ErrorIs(t, err, ErrLockLost)

	assert.Len(t, tr.pullRequests(), 1)
}
