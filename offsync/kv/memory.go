package kv

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is a process-local ConditionalStore. Values are copied on the
// way in and out so callers never share backing arrays with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ ConditionalStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, ErrNilStore
	}

	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneValue(s.data[key]), nil
}

// Set stores a copy of value, or deletes the key when value is nil.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if s == nil {
		return ErrNilStore
	}

	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value)

	return nil
}

// CompareAndSwap performs the conditional write under the store mutex.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if s == nil {
		return false, ErrNilStore
	}

	if err := ValidateKey(key); err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !Matches(s.data[key], expected) {
		return false, nil
	}

	s.put(key, value)

	return true, nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

func (s *MemoryStore) put(key string, value []byte) {
	if value == nil {
		delete(s.data, key)
		return
	}

	s.data[key] = cloneValue(value)
}

func cloneValue(value []byte) []byte {
	if value == nil {
		return nil
	}

	return slices.Clone(value)
}
