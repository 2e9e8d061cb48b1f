package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidIntent is returned when a write intent is missing its action or target.
	ErrInvalidIntent = errors.New("protocol: invalid write intent")
	// ErrIdempotencyKeyMismatch is returned when an outbox item's key disagrees
	// with the key recorded in its intent metadata.
	ErrIdempotencyKeyMismatch = errors.New("protocol: idempotency key mismatch")
)

// Action is the kind of write carried by an intent.
type Action string

// Supported write actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the supported actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionUpsert, ActionDelete:
		return true
	default:
		return false
	}
}

// IntentMeta is metadata stamped on an intent by its producer.
type IntentMeta struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// WriteIntent is a local write waiting to be delivered.
type WriteIntent struct {
	Action   Action          `json:"action"`
	Resource string          `json:"resource"`
	EntityID string          `json:"entityId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// BaseVersion is the server version the write was built against, when known.
	BaseVersion *int64     `json:"baseVersion,omitempty"`
	Meta        IntentMeta `json:"meta"`
}

// Validate checks the action and target of the intent.
func (w WriteIntent) Validate() error {
	if !w.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, w.Action)
	}

	if strings.TrimSpace(w.Resource) == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidIntent)
	}

	if strings.TrimSpace(w.EntityID) == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidIntent)
	}

	return nil
}

// Clone returns a deep copy of the intent.
func (w WriteIntent) Clone() WriteIntent {
	out := w

	if w.Payload != nil {
		out.Payload = append(json.RawMessage(nil), w.Payload...)
	}

	if w.BaseVersion != nil {
		version := *w.BaseVersion
		out.BaseVersion = &version
	}

	return out
}

// Operation is one write sent to the transport inside a batch.
type Operation struct {
	ID             string      `json:"id"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Write          WriteIntent `json:"write"`
}

// BatchMeta describes a batched ExecuteOps call.
type BatchMeta struct {
	BatchID string `json:"batchId"`
	// Attempt is the zero-based retry attempt of this batch.
	Attempt int `json:"attempt"`
}

// BuildWriteOp turns an outbox entry into an operation. An intent whose
// metadata carries no key inherits key; a different key is a local defect.
func BuildWriteOp(opID, key string, intent WriteIntent) (Operation, error) {
	if err := intent.Validate(); err != nil {
		return Operation{}, err
	}

	switch intent.Meta.IdempotencyKey {
	case "":
		intent.Meta.IdempotencyKey = key
	case key:
	default:
		return Operation{}, fmt.Errorf("%w: item %q, intent %q", ErrIdempotencyKeyMismatch, key, intent.Meta.IdempotencyKey)
	}

	return Operation{ID: opID, IdempotencyKey: key, Write: intent}, nil
}

// ConflictStrategy is forwarded to the applier on rejects so it can decide
// how to reconcile local state.
type ConflictStrategy string

// Known conflict strategies. The engine never interprets them.
const (
	ConflictNone       ConflictStrategy = ""
	ConflictServerWins ConflictStrategy = "server-wins"
	ConflictClientWins ConflictStrategy = "client-wins"
	ConflictManual     ConflictStrategy = "manual"
)

// WriteAck reports a write accepted by the server.
type WriteAck struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Intent         WriteIntent     `json:"intent"`
	Version        int64           `json:"version,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// WriteReject reports a write that will never be retried.
type WriteReject struct {
	IdempotencyKey string      `json:"idempotencyKey"`
	Intent         WriteIntent `json:"intent"`
	Error          *WriteError `json:"error"`
}
