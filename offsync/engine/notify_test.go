//go:build unit

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

func withSubscribe(mutate ...func(*Config)) harnessOption {
	return withConfig(func(cfg *Config) {
		cfg.SubscribeEnabled = true

		for _, fn := range mutate {
			fn(cfg)
		}
	})
}

func TestNotifyReconnectsAfterFailures(t *testing.T) {
	h := newHarness(t, withSubscribe(func(cfg *Config) {
		cfg.NotifyRetry = fastPolicy(5)
	}))

	var calls atomic.Int32

	h.transport.subscribe = func(context.Context, protocol.SubscribeRequest) (protocol.Subscription, error) {
		if calls.Add(1) <= 3 {
			return nil, errors.New("socket refused")
		}

		return &fakeSubscription{}, nil
	}

	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return h.rec.has(EventNotifyConnected) }, waitFor, tick)

	backoffs := h.rec.eventsOf(EventNotifyBackoff)
	require.Len(t, backoffs, 3)

	for i, ev := range backoffs {
		assert.Equal(t, i+1, ev.Attempt)
		assert.Equal(t, h.engine.cfg.NotifyRetry.Estimate(i), ev.Delay)
		assert.Error(t, ev.Err)
	}

	assert.Len(t, h.rec.eventsOf(EventNotifyConnected), 1)
	assert.Empty(t, h.rec.errorsIn(PhaseNotify))
}

func TestNotifyExhaustionReportsOneError(t *testing.T) {
	h := newHarness(t, withSubscribe())

	h.transport.subscribe = func(context.Context, protocol.SubscribeRequest) (protocol.Subscription, error) {
		return nil, errors.New("socket refused")
	}

	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.rec.errorsIn(PhaseNotify)) == 1 }, waitFor, tick)

	assert.Never(t, func() bool { return len(h.rec.errorsIn(PhaseNotify)) > 1 }, 50*time.Millisecond, tick)
	assert.Len(t, h.transport.subscribeRequests(), 3)
	assert.Equal(t, StateRunning, h.engine.State())
}

func TestNotificationSchedulesPull(t *testing.T) {
	h := newHarness(t, withSubscribe(func(cfg *Config) {
		cfg.PullResources = []string{"todos"}
	}))

	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return h.rec.has(EventNotifyConnected) }, waitFor, tick)

	req := h.transport.subscribeRequests()[0]
	assert.Equal(t, []string{"todos"}, req.Resources)

	req.OnMessage(protocol.Notification{Resources: []string{"users"}})
	req.OnMessage(protocol.Notification{Resources: []string{"todos"}})

	require.Eventually(t, func() bool { return len(h.transport.pullRequests()) == 1 }, waitFor, tick)
	assert.Len(t, h.rec.eventsOf(EventNotifyMessage), 2)

	scheduled := h.rec.eventsOf(EventPullScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, PullCauseNotify, scheduled[0].Cause)
}

func TestSubscriptionErrorStartsFreshCycle(t *testing.T) {
	h := newHarness(t, withSubscribe())

	first := &fakeSubscription{}
	second := &fakeSubscription{}

	var calls atomic.Int32

	h.transport.subscribe = func(context.Context, protocol.SubscribeRequest) (protocol.Subscription, error) {
		if calls.Add(1) == 1 {
			return first, nil
		}

		return second, nil
	}

	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return h.rec.has(EventNotifyConnected) }, waitFor, tick)

	stale := h.transport.subscribeRequests()[0]
	stale.OnError(errors.New("connection reset"))

	require.Eventually(t, func() bool { return len(h.rec.eventsOf(EventNotifyConnected)) == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), first.closed.Load())
	assert.Zero(t, second.closed.Load())

	// Callbacks of the replaced subscription are ignored.
	stale.OnMessage(protocol.Notification{})
	stale.OnError(errors.New("late"))

	assert.Never(t, func() bool { return len(h.transport.subscribeRequests()) > 2 }, 50*time.Millisecond, tick)
	assert.Empty(t, h.rec.eventsOf(EventNotifyMessage))
}

func TestStopClosesSubscriptionDespiteCloseError(t *testing.T) {
	h := newHarness(t, withSubscribe())

	sub := &fakeSubscription{closeErr: errors.New("already closed")}
	h.transport.subscribe = func(context.Context, protocol.SubscribeRequest) (protocol.Subscription, error) {
		return sub, nil
	}

	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.Eventually(t, func() bool { return h.rec.has(EventNotifyConnected) }, waitFor, tick)

	require.NoError(t, h.engine.Stop(ctx))

	assert.Equal(t, int32(1), sub.closed.Load())
	assert.True(t, h.rec.has(EventNotifyStopped))
	assert.Empty(t, h.rec.errorsIn(PhaseNotify))
}

func TestSetNotifyEnabledTogglesSubscription(t *testing.T) {
	h := newHarness(t)

	sub := &fakeSubscription{}
	h.transport.subscribe = func(context.Context, protocol.SubscribeRequest) (protocol.Subscription, error) {
		return sub, nil
	}

	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	assert.Empty(t, h.transport.subscribeRequests())

	h.engine.SetNotifyEnabled(true)
	require.Eventually(t, func() bool { return h.rec.has(EventNotifyConnected) }, waitFor, tick)

	h.engine.SetNotifyEnabled(false)
	assert.Equal(t, int32(1), sub.closed.Load())

	// The choice survives a restart.
	require.NoError(t, h.engine.Stop(ctx))
	require.NoError(t, h.engine.Start(ctx))
	assert.Never(t, func() bool { return len(h.transport.subscribeRequests()) > 1 }, 50*time.Millisecond, tick)
}
