//go:build unit

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/cursor"
	"github.com/LerianStudio/lib-offsync/offsync/idgen"
	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/lock"
	"github.com/LerianStudio/lib-offsync/offsync/outbox"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type executeFunc func(ctx context.Context, ops []protocol.Operation, meta protocol.BatchMeta) (map[string]protocol.OpResult, error)

type fakeTransport struct {
	mu         sync.Mutex
	execute    executeFunc
	pull       func(ctx context.Context, req protocol.PullRequest) (*protocol.PullBatch, error)
	subscribe  func(ctx context.Context, req protocol.SubscribeRequest) (protocol.Subscription, error)
	batches    [][]protocol.Operation
	metas      []protocol.BatchMeta
	pulls      []protocol.PullRequest
	subscribes []protocol.SubscribeRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{execute: ackAll(1)}
}

func (f *fakeTransport) ExecuteOps(ctx context.Context, ops []protocol.Operation, meta protocol.BatchMeta) (map[string]protocol.OpResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]protocol.Operation(nil), ops...))
	f.metas = append(f.metas, meta)
	fn := f.execute
	f.mu.Unlock()

	return fn(ctx, ops, meta)
}

func (f *fakeTransport) PullChanges(ctx context.Context, req protocol.PullRequest) (*protocol.PullBatch, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, req)
	fn := f.pull
	f.mu.Unlock()

	if fn == nil {
		return &protocol.PullBatch{}, nil
	}

	return fn(ctx, req)
}

func (f *fakeTransport) Subscribe(ctx context.Context, req protocol.SubscribeRequest) (protocol.Subscription, error) {
	f.mu.Lock()
	f.subscribes = append(f.subscribes, req)
	fn := f.subscribe
	f.mu.Unlock()

	if fn == nil {
		return &fakeSubscription{}, nil
	}

	return fn(ctx, req)
}

func (f *fakeTransport) executed() [][]protocol.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]protocol.Operation(nil), f.batches...)
}

func (f *fakeTransport) pullRequests() []protocol.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]protocol.PullRequest(nil), f.pulls...)
}

func (f *fakeTransport) subscribeRequests() []protocol.SubscribeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]protocol.SubscribeRequest(nil), f.subscribes...)
}

func ackAll(version int64) executeFunc {
	return func(_ context.Context, ops []protocol.Operation, _ protocol.BatchMeta) (map[string]protocol.OpResult, error) {
		out := make(map[string]protocol.OpResult, len(ops))

		for _, op := range ops {
			out[op.ID] = protocol.OpResult{OpID: op.ID, OK: true, Item: &protocol.ItemOutcome{OK: true, Version: version}}
		}

		return out, nil
	}
}

type fakeSubscription struct {
	closed   atomic.Int32
	closeErr error
}

func (s *fakeSubscription) Close() error {
	s.closed.Add(1)

	return s.closeErr
}

type fakeApplier struct {
	mu         sync.Mutex
	changes    [][]protocol.Change
	acks       []protocol.WriteAck
	rejects    []protocol.WriteReject
	strategies []protocol.ConflictStrategy
	changesErr error
	ackErr     error
}

func (a *fakeApplier) ApplyPullChanges(_ context.Context, changes []protocol.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.changesErr != nil {
		return a.changesErr
	}

	a.changes = append(a.changes, changes)

	return nil
}

func (a *fakeApplier) ApplyWriteAck(_ context.Context, ack protocol.WriteAck) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acks = append(a.acks, ack)

	return a.ackErr
}

func (a *fakeApplier) ApplyWriteReject(_ context.Context, reject protocol.WriteReject, strategy protocol.ConflictStrategy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rejects = append(a.rejects, reject)
	a.strategies = append(a.strategies, strategy)

	return nil
}

func (a *fakeApplier) ackList() []protocol.WriteAck {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]protocol.WriteAck(nil), a.acks...)
}

func (a *fakeApplier) rejectList() []protocol.WriteReject {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]protocol.WriteReject(nil), a.rejects...)
}

func (a *fakeApplier) appliedChanges() [][]protocol.Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([][]protocol.Change(nil), a.changes...)
}

// fakeLocker is a Locker whose acquisition can be gated and whose loss is
// triggered by closing lost.
type fakeLocker struct {
	gate       chan struct{}
	acquireErr error
	lost       chan struct{}
	released   atomic.Int32
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{lost: make(chan struct{})}
}

func (l *fakeLocker) Acquire(ctx context.Context) error {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.acquireErr
}

func (l *fakeLocker) Release(context.Context) error {
	l.released.Add(1)

	return nil
}

func (l *fakeLocker) Lost() <-chan struct{} {
	return l.lost
}

func lockerFactory(lockers ...*fakeLocker) (LockFactory, *atomic.Int32) {
	var calls atomic.Int32

	return func(string, lock.Config) (Locker, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(lockers) {
			return nil, errors.New("no more lockers")
		}

		return lockers[n], nil
	}, &calls
}

// quietOutbox hides outbox.ChangeNotifier so pushes only run on request.
type quietOutbox struct {
	outbox.Store
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
	phases []Phase
}

func (r *recorder) onEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *recorder) onError(err error, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.phases = append(r.phases, phase)
}

func (r *recorder) options() []Option {
	return []Option{WithOnEvent(r.onEvent), WithOnError(r.onError)}
}

func (r *recorder) eventsOf(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event

	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

func (r *recorder) has(kind EventKind) bool {
	return len(r.eventsOf(kind)) > 0
}

func (r *recorder) errorsIn(phase Phase) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []error

	for i, err := range r.errs {
		if r.phases[i] == phase {
			out = append(out, err)
		}
	}

	return out
}

func fastPolicy(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, Factor: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PullInterval = 0
	cfg.PullOnStart = false
	cfg.PullDebounce = 0
	cfg.SubscribeEnabled = false
	cfg.LockAcquireAttempts = 2
	cfg.PushRetry = fastPolicy(3)
	cfg.PullRetry = fastPolicy(3)
	cfg.NotifyRetry = fastPolicy(3)
	cfg.LockRetry = fastPolicy(2)

	return cfg
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	applier   *fakeApplier
	box       *outbox.KVStore
	cursor    *cursor.KVStore
	store     *kv.MemoryStore
	rec       *recorder
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	cfg   Config
	quiet bool
	store *kv.MemoryStore
	opts  []Option
}

func withConfig(mutate func(*Config)) harnessOption {
	return func(s *harnessSetup) {
		mutate(&s.cfg)
	}
}

func withQuietOutbox() harnessOption {
	return func(s *harnessSetup) {
		s.quiet = true
	}
}

func withStore(store *kv.MemoryStore) harnessOption {
	return func(s *harnessSetup) {
		s.store = store
	}
}

func withOptions(opts ...Option) harnessOption {
	return func(s *harnessSetup) {
		s.opts = append(s.opts, opts...)
	}
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()

	setup := harnessSetup{cfg: testConfig(), store: kv.NewMemoryStore()}
	for _, opt := range hopts {
		opt(&setup)
	}

	box, err := outbox.NewKVStore(setup.store, outbox.DefaultConfig())
	require.NoError(t, err)

	cur, err := cursor.NewKVStore(setup.store, "")
	require.NoError(t, err)

	h := &harness{
		transport: newFakeTransport(),
		applier:   &fakeApplier{},
		box:       box,
		cursor:    cur,
		store:     setup.store,
		rec:       &recorder{},
	}

	var store outbox.Store = box
	if setup.quiet {
		store = quietOutbox{Store: box}
	}

	opts := []Option{WithConfig(setup.cfg), WithIDGenerator(idgen.NewSequence(t.Name() + "-"))}
	opts = append(opts, h.rec.options()...)
	opts = append(opts, setup.opts...)

	h.engine, err = New(Dependencies{
		Transport: h.transport,
		Applier:   h.applier,
		Outbox:    store,
		Cursor:    cur,
		LockStore: setup.store,
	}, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.engine.Dispose(context.Background())
	})

	return h
}

func (h *harness) enqueue(t *testing.T, key string, intent protocol.WriteIntent) {
	t.Helper()

	_, err := h.box.Enqueue(context.Background(), key, intent)
	require.NoError(t, err)
}

func intentFor(entityID string, baseVersion *int64) protocol.WriteIntent {
	return protocol.WriteIntent{
		Action:      protocol.ActionUpdate,
		Resource:    "todos",
		EntityID:    entityID,
		Payload:     json.RawMessage(`{"title":"buy milk"}`),
		BaseVersion: baseVersion,
	}
}

func version(v int64) *int64 {
	return &v
}
