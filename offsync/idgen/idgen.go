// Package idgen provides injectable identifier generators for lock owners,
// operations and batches.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator interface {
	NewID() string
}

// Func adapts a plain function to Generator.
type Func func() string

// NewID calls fn.
func (fn Func) NewID() string {
	return fn()
}

// UUID generates time-ordered UUIDv7 identifiers, falling back to random
// UUIDv4 if the v7 source fails.
type UUID struct{}

// NewID returns a new UUID string.
func (UUID) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// Sequence generates deterministic identifiers ("<prefix>1", "<prefix>2", ...),
// intended for tests.
type Sequence struct {
	prefix string
	next   atomic.Uint64
}

// NewSequence creates a Sequence generator with the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() string {
	return s.prefix + strconv.FormatUint(s.next.Add(1), 10)
}
