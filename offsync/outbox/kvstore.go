package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/LerianStudio/lib-offsync/offsync/internal/nilcheck"
	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

const (
	defaultKey          = "offsync:outbox"
	defaultCapacity     = 1000
	defaultNoticeBuffer = 64
)

// Config configures a KVStore.
type Config struct {
	// Key is the kv key holding the whole queue.
	Key string
	// Capacity bounds the queue. Overflow evicts the oldest pending item.
	Capacity int
	// Clock stamps enqueue times.
	Clock clockwork.Clock
}

// DefaultConfig returns the baseline outbox configuration.
func DefaultConfig() Config {
	return Config{
		Key:      defaultKey,
		Capacity: defaultCapacity,
		Clock:    clockwork.NewRealClock(),
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = defaults.Key
	}

	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}

	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
}

// KVStore keeps the queue as one JSON document under a single kv key. Every
// read-modify-write runs under a mutex, so one KVStore must own the key.
type KVStore struct {
	mu      sync.Mutex
	store   kv.Store
	cfg     Config
	changes chan Notice
}

var (
	_ Store          = (*KVStore)(nil)
	_ ChangeNotifier = (*KVStore)(nil)
)

// NewKVStore creates an outbox over store.
func NewKVStore(store kv.Store, cfg Config) (*KVStore, error) {
	if nilcheck.Interface(store) {
		return nil, ErrNilKVStore
	}

	cfg.normalize()

	return &KVStore{
		store:   store,
		cfg:     cfg,
		changes: make(chan Notice, defaultNoticeBuffer),
	}, nil
}

// Changes delivers enqueue and eviction notices. Notices are dropped when
// the buffer is full.
func (s *KVStore) Changes() <-chan Notice {
	return s.changes
}

// Enqueue implements Store.
func (s *KVStore) Enqueue(ctx context.Context, key string, intent protocol.WriteIntent) (EnqueueResult, error) {
	if strings.TrimSpace(key) == "" {
		return EnqueueResult{}, ErrIdempotencyKeyEmpty
	}

	if err := intent.Validate(); err != nil {
		return EnqueueResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return EnqueueResult{}, err
	}

	if slices.ContainsFunc(items, func(item Item) bool { return item.IdempotencyKey == key }) {
		return EnqueueResult{}, nil
	}

	var result EnqueueResult

	if len(items) >= s.cfg.Capacity {
		idx := slices.IndexFunc(items, func(item Item) bool { return !item.InFlight() })
		if idx < 0 {
			return EnqueueResult{}, ErrOutboxFull
		}

		evicted := items[idx]
		result.Evicted = &evicted
		items = slices.Delete(items, idx, idx+1)
	}

	now := s.cfg.Clock.Now().UTC()
	if n := len(items); n > 0 && !now.After(items[n-1].EnqueuedAt) {
		// Enqueue order must survive clock skew and equal timestamps.
		now = items[n-1].EnqueuedAt.Add(time.Nanosecond)
	}

	items = append(items, Item{IdempotencyKey: key, Intent: intent.Clone(), EnqueuedAt: now})

	if err := s.save(ctx, items); err != nil {
		return EnqueueResult{}, err
	}

	result.Enqueued = true

	if result.Evicted != nil {
		s.notify(Notice{Kind: NoticeEvicted, IdempotencyKey: result.Evicted.IdempotencyKey, Len: len(items)})
	}

	s.notify(Notice{Kind: NoticeEnqueued, IdempotencyKey: key, Len: len(items)})

	return result, nil
}

// Peek implements Store.
func (s *KVStore) Peek(ctx context.Context, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Item, 0, len(items))

	for _, item := range items {
		if item.InFlight() {
			continue
		}

		pending = append(pending, item.clone())

		if limit > 0 && len(pending) == limit {
			break
		}
	}

	return pending, nil
}

// List returns every item, pending or in flight, in enqueue order.
func (s *KVStore) List(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item.clone()
	}

	return out, nil
}

// MarkInFlight implements Store.
func (s *KVStore) MarkInFlight(ctx context.Context, keys []string, at time.Time) error {
	at = at.UTC()

	return s.update(ctx, keys, func(item *Item) bool {
		stamp := at
		item.InFlightAt = &stamp

		return true
	})
}

// ReleaseInFlight implements Store.
func (s *KVStore) ReleaseInFlight(ctx context.Context, keys []string) error {
	return s.update(ctx, keys, func(item *Item) bool {
		if !item.InFlight() {
			return false
		}

		item.InFlightAt = nil

		return true
	})
}

// Ack implements Store.
func (s *KVStore) Ack(ctx context.Context, keys []string) error {
	return s.remove(ctx, keys)
}

// Reject implements Store.
func (s *KVStore) Reject(ctx context.Context, keys []string) error {
	return s.remove(ctx, keys)
}

// Rebase implements Store. Items without a base version are left alone:
// they were written unconditionally.
func (s *KVStore) Rebase(ctx context.Context, candidate RebaseCandidate) (int, error) {
	if candidate.BaseVersion <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0

	for i := range items {
		item := &items[i]

		if item.InFlight() ||
			item.Intent.Resource != candidate.Resource ||
			item.Intent.EntityID != candidate.EntityID ||
			!item.EnqueuedAt.After(candidate.AfterEnqueuedAt) ||
			item.Intent.BaseVersion == nil ||
			*item.Intent.BaseVersion >= candidate.BaseVersion {
			continue
		}

		version := candidate.BaseVersion
		item.Intent.BaseVersion = &version
		changed++
	}

	if changed == 0 {
		return 0, nil
	}

	if err := s.save(ctx, items); err != nil {
		return 0, err
	}

	return changed, nil
}

// RecoverStale implements Store. A non-positive timeout releases every mark.
func (s *KVStore) RecoverStale(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for i := range items {
		if !items[i].InFlight() {
			continue
		}

		if timeout > 0 && now.Sub(*items[i].InFlightAt) < timeout {
			continue
		}

		items[i].InFlightAt = nil
		recovered++
	}

	if recovered == 0 {
		return 0, nil
	}

	if err := s.save(ctx, items); err != nil {
		return 0, err
	}

	return recovered, nil
}

// Len implements Store.
func (s *KVStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	return len(items), nil
}

func (s *KVStore) update(ctx context.Context, keys []string, fn func(item *Item) bool) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return err
	}

	changed := false

	for i := range items {
		if slices.Contains(keys, items[i].IdempotencyKey) && fn(&items[i]) {
			changed = true
		}
	}

	if !changed {
		return nil
	}

	return s.save(ctx, items)
}

func (s *KVStore) remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return err
	}

	kept := slices.DeleteFunc(items, func(item Item) bool {
		return slices.Contains(keys, item.IdempotencyKey)
	})

	return s.save(ctx, kept)
}

func (s *KVStore) load(ctx context.Context) ([]Item, error) {
	raw, err := s.store.Get(ctx, s.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}

	return items, nil
}

func (s *KVStore) save(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		if err := s.store.Set(ctx, s.cfg.Key, nil); err != nil {
			return fmt.Errorf("save outbox: %w", err)
		}

		return nil
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}

	if err := s.store.Set(ctx, s.cfg.Key, raw); err != nil {
		return fmt.Errorf("save outbox: %w", err)
	}

	return nil
}

func (s *KVStore) notify(notice Notice) {
	select {
	case s.changes <- notice:
	default:
	}
}
