// Package outbox defines the durable, deduplicated queue of local writes
// drained by the push lane, and a kv-backed implementation.
//
// Items move pending -> in-flight when a send attempt starts and are removed
// on acknowledgment or terminal rejection. Retryable failures and in-flight
// marks abandoned by a crash return items to pending.
package outbox
