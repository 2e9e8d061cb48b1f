package protocol

import "context"

// SubscribeRequest opens a realtime subscription.
type SubscribeRequest struct {
	Resources []string
	// OnMessage is called for every inbound notification.
	OnMessage func(Notification)
	// OnError is called when the subscription fails after being opened.
	OnError func(error)
}

// Subscription is a live realtime subscription.
type Subscription interface {
	Close() error
}

// Transport carries operations and pulls to the remote store.
type Transport interface {
	// ExecuteOps sends a batch of operations and returns results keyed by
	// operation id. An error means the whole batch failed.
	ExecuteOps(ctx context.Context, ops []Operation, meta BatchMeta) (map[string]OpResult, error)
	// PullChanges fetches changes after the request cursor. An error is a
	// hard failure for this round trip.
	PullChanges(ctx context.Context, req PullRequest) (*PullBatch, error)
	// Subscribe opens a realtime subscription.
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
}

// Applier merges remote state into local state. The engine never interprets
// domain data; it only delivers it in order.
type Applier interface {
	ApplyPullChanges(ctx context.Context, changes []Change) error
	ApplyWriteAck(ctx context.Context, ack WriteAck) error
	ApplyWriteReject(ctx context.Context, reject WriteReject, strategy ConflictStrategy) error
}
