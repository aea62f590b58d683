package model

import (
	"time"

	"github.com/google/uuid"
)

// ThreadStatus is the derived lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusIdle        ThreadStatus = "idle"
	ThreadStatusBusy        ThreadStatus = "busy"
	ThreadStatusInterrupted ThreadStatus = "interrupted"
	ThreadStatusError       ThreadStatus = "error"
)

// Thread is a durable container for conversational state. Status, Values,
// and Interrupts are projections of the latest checkpoint and the set of
// pending runs; they are recomputed on every SetStatus.
type Thread struct {
	ThreadID   uuid.UUID        `json:"thread_id"`
	Status     ThreadStatus     `json:"status"`
	Config     Config           `json:"config"`
	Metadata   map[string]any   `json:"metadata"`
	Values     map[string]any   `json:"values,omitempty"`
	Interrupts map[string][]any `json:"interrupts,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// GraphID reads the graph binding from the thread metadata, if any.
func (t *Thread) GraphID() string {
	if t.Metadata == nil {
		return ""
	}
	if g, ok := t.Metadata["graph_id"].(string); ok {
		return g
	}
	return ""
}
