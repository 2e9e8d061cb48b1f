package kv

import (
	"bytes"
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyKey is returned when an operation receives a blank key.
	ErrEmptyKey = errors.New("kv: key cannot be empty")
	// ErrNilStore is returned when a method is called on a nil store.
	ErrNilStore = errors.New("kv: store is nil")
)

// Store is an async-style durable key-value store.
type Store interface {
	// Get returns the stored value, or nil with no error when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A nil value deletes the key.
	Set(ctx context.Context, key string, value []byte) error
}

// ConditionalStore is a Store that can atomically replace a value only when
// the current value matches an expectation.
type ConditionalStore interface {
	Store
	// CompareAndSwap writes value when the current value equals expected.
	// A nil expected means the key must be absent; a nil value deletes the key.
	// It reports whether the write happened.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error)
}

// ValidateKey rejects blank keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	return nil
}

// Matches reports whether current satisfies a compare-and-swap expectation.
func Matches(current, expected []byte) bool {
	if expected == nil {
		return current == nil
	}

	return current != nil && bytes.Equal(current, expected)
}
