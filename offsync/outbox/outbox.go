package outbox

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

// Item is one queued write.
type Item struct {
	IdempotencyKey string               `json:"idempotencyKey"`
	Intent         protocol.WriteIntent `json:"intent"`
	EnqueuedAt     time.Time            `json:"enqueuedAt"`
	// InFlightAt is set while a send attempt owns the item.
	InFlightAt *time.Time `json:"inFlightAt,omitempty"`
}

// InFlight reports whether a send attempt currently owns the item.
func (item Item) InFlight() bool {
	return item.InFlightAt != nil
}

func (item Item) clone() Item {
	out := item
	out.Intent = item.Intent.Clone()

	if item.InFlightAt != nil {
		at := *item.InFlightAt
		out.InFlightAt = &at
	}

	return out
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	// Enqueued is false when an item with the same key already existed.
	Enqueued bool
	// Evicted is the oldest pending item dropped to make room, if any.
	Evicted *Item
}

// RebaseCandidate raises the base version of later writes to one entity after
// an earlier write to it was confirmed at BaseVersion.
type RebaseCandidate struct {
	Resource        string
	EntityID        string
	BaseVersion     int64
	AfterEnqueuedAt time.Time
}

// Store is the outbox contract consumed by the push lane.
type Store interface {
	// Enqueue appends a write. A duplicate key is a no-op.
	Enqueue(ctx context.Context, key string, intent protocol.WriteIntent) (EnqueueResult, error)
	// Peek returns up to limit pending items in enqueue order. A non-positive
	// limit returns every pending item.
	Peek(ctx context.Context, limit int) ([]Item, error)
	MarkInFlight(ctx context.Context, keys []string, at time.Time) error
	ReleaseInFlight(ctx context.Context, keys []string) error
	// Ack removes acknowledged items.
	Ack(ctx context.Context, keys []string) error
	// Reject removes terminally rejected items.
	Reject(ctx context.Context, keys []string) error
	// Rebase raises, never lowers, the base version of pending items for the
	// candidate's entity enqueued after its watermark. It returns how many
	// items changed.
	Rebase(ctx context.Context, candidate RebaseCandidate) (int, error)
	// RecoverStale releases in-flight marks older than timeout.
	RecoverStale(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
	Len(ctx context.Context) (int, error)
}

// NoticeKind tells what changed in the outbox.
type NoticeKind int

const (
	NoticeEnqueued NoticeKind = iota
	NoticeEvicted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeEnqueued:
		return "enqueued"
	case NoticeEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Notice reports a queue change to whoever drains the outbox.
type Notice struct {
	Kind           NoticeKind
	IdempotencyKey string
	Len            int
}

// ChangeNotifier is implemented by stores that publish queue changes.
type ChangeNotifier interface {
	Changes() <-chan Notice
}
