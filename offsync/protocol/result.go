package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies a write failure.
type ErrorKind string

// Known error kinds. Internal and adapter failures are always retryable.
const (
	ErrorKindConflict    ErrorKind = "conflict"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindForbidden   ErrorKind = "forbidden"
	ErrorKindInternal    ErrorKind = "internal"
	ErrorKindAdapter     ErrorKind = "adapter"
	ErrorKindWriteFailed ErrorKind = "write_failed"
	ErrorKindLocal       ErrorKind = "local"
)

// WriteError is a server-reported or synthesized write failure.
type WriteError struct {
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *WriteError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsRetryable reports whether redelivering the write may succeed.
func (e *WriteError) IsRetryable() bool {
	if e == nil {
		return false
	}

	return e.Retryable || e.Kind == ErrorKindInternal || e.Kind == ErrorKindAdapter
}

// ItemOutcome is the entity-level outcome inside a successful operation result.
type ItemOutcome struct {
	OK      bool            `json:"ok"`
	Version int64           `json:"version,omitempty"`
	Error   *WriteError     `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OpResult is the transport's answer for one operation.
type OpResult struct {
	OpID  string       `json:"opId"`
	OK    bool         `json:"ok"`
	Error *WriteError  `json:"error,omitempty"`
	Item  *ItemOutcome `json:"item,omitempty"`
}

// OutcomeKind is the decision taken for one pushed item.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeAck OutcomeKind = iota
	OutcomeRetry
	OutcomeReject
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Outcome is a classified operation result.
type Outcome struct {
	Kind OutcomeKind
	// Version is the server version for acks; zero when none was reported.
	Version int64
	Data    json.RawMessage
	// Error is set for retry and reject outcomes.
	Error *WriteError
}

// Classify maps an operation result to ack, retry or reject. found is false
// when the transport returned no result for the operation.
func Classify(result OpResult, found bool) Outcome {
	if !found {
		return Outcome{Kind: OutcomeReject, Error: &WriteError{
			Kind:    ErrorKindWriteFailed,
			Message: "no result returned for operation",
		}}
	}

	if !result.OK {
		writeErr := result.Error
		if writeErr == nil {
			writeErr = &WriteError{Kind: ErrorKindWriteFailed, Message: "operation failed"}
		}

		if writeErr.IsRetryable() {
			return Outcome{Kind: OutcomeRetry, Error: writeErr}
		}

		return Outcome{Kind: OutcomeReject, Error: writeErr}
	}

	if result.Item == nil {
		return Outcome{Kind: OutcomeAck}
	}

	if !result.Item.OK {
		writeErr := result.Item.Error
		if writeErr == nil {
			writeErr = &WriteError{Kind: ErrorKindWriteFailed, Message: "item write failed"}
		}

		return Outcome{Kind: OutcomeReject, Error: writeErr}
	}

	return Outcome{Kind: OutcomeAck, Version: result.Item.Version, Data: result.Item.Data}
}
