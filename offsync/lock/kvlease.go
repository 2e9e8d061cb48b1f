package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/LerianStudio/lib-offsync/offsync/internal/nilcheck"
	"github.com/LerianStudio/lib-offsync/offsync/kv"
)

// record is the lease document stored under the lock key.
type record struct {
	OwnerID     string `json:"ownerId"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// kvLease writes the lease record into a kv.Store. With a ConditionalStore
// the write is a compare-and-swap against the value just read; the re-read
// afterwards confirms ownership either way.
type kvLease struct {
	store kv.Store
	cas   kv.ConditionalStore
	key   string
	owner string
	ttl   time.Duration
	clock clockwork.Clock
}

// New creates a kv-backed Lock for ownerID.
func New(store kv.Store, ownerID string, cfg Config) (*Lock, error) {
	if nilcheck.Interface(store) {
		return nil, ErrNilStore
	}

	if err := validateOwner(ownerID); err != nil {
		return nil, err
	}

	cfg.normalize()

	lease := &kvLease{
		store: store,
		key:   cfg.Key,
		owner: ownerID,
		ttl:   cfg.TTL,
		clock: cfg.Clock,
	}

	if cas, ok := store.(kv.ConditionalStore); ok {
		lease.cas = cas
	}

	return newLock(lease, ownerID, cfg), nil
}

func (b *kvLease) claim(ctx context.Context) (bool, error) {
	current, err := b.store.Get(ctx, b.key)
	if err != nil {
		return false, fmt.Errorf("read lock record: %w", err)
	}

	now := b.clock.Now()

	if current != nil {
		if rec, ok := decodeRecord(current); ok && rec.OwnerID != b.owner && rec.ExpiresAtMs > now.UnixMilli() {
			return false, nil
		}
	}

	next, err := json.Marshal(record{OwnerID: b.owner, ExpiresAtMs: now.Add(b.ttl).UnixMilli()})
	if err != nil {
		return false, fmt.Errorf("encode lock record: %w", err)
	}

	if b.cas != nil {
		swapped, err := b.cas.CompareAndSwap(ctx, b.key, current, next)
		if err != nil {
			return false, fmt.Errorf("write lock record: %w", err)
		}

		if !swapped {
			return false, nil
		}
	} else if err := b.store.Set(ctx, b.key, next); err != nil {
		return false, fmt.Errorf("write lock record: %w", err)
	}

	return b.confirm(ctx)
}

func (b *kvLease) renew(ctx context.Context) (bool, error) {
	return b.claim(ctx)
}

func (b *kvLease) confirm(ctx context.Context) (bool, error) {
	raw, err := b.store.Get(ctx, b.key)
	if err != nil {
		return false, fmt.Errorf("confirm lock record: %w", err)
	}

	rec, ok := decodeRecord(raw)

	return ok && rec.OwnerID == b.owner, nil
}

func (b *kvLease) clear(ctx context.Context) error {
	raw, err := b.store.Get(ctx, b.key)
	if err != nil {
		return fmt.Errorf("read lock record: %w", err)
	}

	if rec, ok := decodeRecord(raw); !ok || rec.OwnerID != b.owner {
		return nil
	}

	if b.cas != nil {
		if _, err := b.cas.CompareAndSwap(ctx, b.key, raw, nil); err != nil {
			return fmt.Errorf("clear lock record: %w", err)
		}

		return nil
	}

	if err := b.store.Set(ctx, b.key, nil); err != nil {
		return fmt.Errorf("clear lock record: %w", err)
	}

	return nil
}

func decodeRecord(raw []byte) (record, bool) {
	if len(raw) == 0 {
		return record{}, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.OwnerID == "" {
		return record{}, false
	}

	return rec, true
}
