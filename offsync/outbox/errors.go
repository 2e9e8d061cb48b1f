package outbox

import "errors"

var (
	ErrNilKVStore          = errors.New("outbox: kv store is required")
	ErrIdempotencyKeyEmpty = errors.New("outbox: idempotency key is required")
	ErrOutboxFull          = errors.New("outbox: capacity reached and every item is in flight")
	ErrCorruptState        = errors.New("outbox: stored state cannot be decoded")
)
