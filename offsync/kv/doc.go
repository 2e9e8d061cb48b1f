// Package kv defines the durable key-value contract that backs the outbox, the
// cursor and the single-instance lock, plus an in-memory implementation.
//
// Values are opaque bytes. Writing a nil value deletes the key. Stores that can
// perform an atomic compare-and-swap implement ConditionalStore; the lock uses
// it when available and falls back to read-after-write confirmation otherwise.
package kv
