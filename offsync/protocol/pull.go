package protocol

import (
	"encoding/json"
	"slices"
)

// PullRequest asks the transport for changes after Cursor.
type PullRequest struct {
	// Cursor is empty when no watermark has been recorded yet.
	Cursor    string   `json:"cursor,omitempty"`
	Limit     int      `json:"limit"`
	Resources []string `json:"resources,omitempty"`
}

// Change is one remote mutation.
type Change struct {
	Resource string          `json:"resource"`
	EntityID string          `json:"entityId"`
	Op       Action          `json:"op"`
	Version  int64           `json:"version,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// PullBatch is the transport's answer to a PullRequest.
type PullBatch struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore,omitempty"`
}

// Empty reports whether the batch carries no changes.
func (b *PullBatch) Empty() bool {
	return b == nil || len(b.Changes) == 0
}

// Notification is a realtime hint that remote state changed.
type Notification struct {
	Resources []string        `json:"resources,omitempty"`
	Cursor    string          `json:"cursor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IntersectsResources reports whether any of resources is in allow. An empty
// allow-list or an empty resources set always intersects.
func IntersectsResources(resources, allow []string) bool {
	if len(allow) == 0 || len(resources) == 0 {
		return true
	}

	for _, resource := range resources {
		if slices.Contains(allow, resource) {
			return true
		}
	}

	return false
}
