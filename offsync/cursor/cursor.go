// Package cursor stores the pull watermark and enforces that it only moves
// forward.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-offsync/offsync/internal/nilcheck"
	"github.com/LerianStudio/lib-offsync/offsync/kv"
)

const defaultKey = "offsync:cursor"

var (
	ErrNilKVStore  = errors.New("cursor: kv store is required")
	ErrEmptyCursor = errors.New("cursor: value cannot be empty")

	integerPattern = regexp.MustCompile(`^-?[0-9]+$`)
)

// Store holds one cursor value.
type Store interface {
	// Get returns the stored cursor and whether one exists.
	Get(ctx context.Context) (string, bool, error)
	// Set commits value only when it is newer than the stored cursor and
	// reports whether it did.
	Set(ctx context.Context, value string) (bool, error)
	// Reset forgets the stored cursor so the next pull starts over.
	Reset(ctx context.Context) error
}

// IsNewer reports whether candidate should replace current. Integer tokens
// compare numerically at any size; anything else is assumed newer.
func IsNewer(candidate, current string) bool {
	if integerPattern.MatchString(candidate) && integerPattern.MatchString(current) {
		a, errA := decimal.NewFromString(candidate)
		b, errB := decimal.NewFromString(current)

		if errA == nil && errB == nil {
			return a.Cmp(b) > 0
		}
	}

	return true
}

// KVStore keeps the cursor under one kv key.
type KVStore struct {
	mu    sync.Mutex
	store kv.Store
	key   string
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a cursor store. An empty key uses "offsync:cursor".
func NewKVStore(store kv.Store, key string) (*KVStore, error) {
	if nilcheck.Interface(store) {
		return nil, ErrNilKVStore
	}

	if strings.TrimSpace(key) == "" {
		key = defaultKey
	}

	return &KVStore{store: store, key: key}, nil
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(ctx)
}

// Set implements Store.
func (s *KVStore) Set(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return false, ErrEmptyCursor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.get(ctx)
	if err != nil {
		return false, err
	}

	if ok && !IsNewer(value, current) {
		return false, nil
	}

	if err := s.store.Set(ctx, s.key, []byte(value)); err != nil {
		return false, fmt.Errorf("save cursor: %w", err)
	}

	return true, nil
}

// Reset implements Store.
func (s *KVStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Set(ctx, s.key, nil); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}

	return nil
}

func (s *KVStore) get(ctx context.Context) (string, bool, error) {
	raw, err := s.store.Get(ctx, s.key)
	if err != nil {
		return "", false, fmt.Errorf("load cursor: %w", err)
	}

	if len(raw) == 0 {
		return "", false, nil
	}

	return string(raw), true, nil
}
