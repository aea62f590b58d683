package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IfExists controls collision behavior on explicit-ID creation.
type IfExists string

const (
	IfExistsRaise     IfExists = "raise"
	IfExistsDoNothing IfExists = "do_nothing"
)

// IfNotExists controls implicit thread creation on run launch.
type IfNotExists string

const (
	IfNotExistsCreate IfNotExists = "create"
	IfNotExistsReject IfNotExists = "reject"
)

// StringList unmarshals from either a JSON string or an array of strings.
// Stream modes arrive in both shapes.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// AssistantCreateRequest is the body of POST /assistants.
type AssistantCreateRequest struct {
	AssistantID *uuid.UUID     `json:"assistant_id,omitempty"`
	GraphID     string         `json:"graph_id"`
	Config      Config         `json:"config"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Name        string         `json:"name,omitempty"`
	IfExists    IfExists       `json:"if_exists,omitempty"`
}

// AssistantPatchRequest is the body of PATCH /assistants/{assistant_id}.
// Nil fields are left untouched.
type AssistantPatchRequest struct {
	GraphID  *string        `json:"graph_id,omitempty"`
	Config   *Config        `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Name     *string        `json:"name,omitempty"`
}

// AssistantSearchRequest is the body of POST /assistants/search.
type AssistantSearchRequest struct {
	GraphID  string         `json:"graph_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// AssistantLatestRequest is the body of POST /assistants/{assistant_id}/latest.
type AssistantLatestRequest struct {
	Version int `json:"version"`
}

// ThreadCreateRequest is the body of POST /threads.
type ThreadCreateRequest struct {
	ThreadID *uuid.UUID     `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	IfExists IfExists       `json:"if_exists,omitempty"`
}

// ThreadSearchRequest is the body of POST /threads/search.
type ThreadSearchRequest struct {
	Status   ThreadStatus   `json:"status,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// ThreadPatchRequest is the body of PATCH /threads/{thread_id}.
type ThreadPatchRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// CheckpointRef addresses one checkpoint.
type CheckpointRef struct {
	ThreadID     *uuid.UUID `json:"thread_id,omitempty"`
	CheckpointNS string     `json:"checkpoint_ns,omitempty"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
}

// ThreadStateUpdateRequest is the body of POST /threads/{thread_id}/state.
type ThreadStateUpdateRequest struct {
	Values       any            `json:"values"`
	AsNode       string         `json:"as_node,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Checkpoint   *CheckpointRef `json:"checkpoint,omitempty"`
}

// ThreadStateAtRequest is the body of POST /threads/{thread_id}/state/checkpoint.
type ThreadStateAtRequest struct {
	Checkpoint *CheckpointRef `json:"checkpoint,omitempty"`
	Subgraphs  bool           `json:"subgraphs,omitempty"`
}

// ThreadHistoryRequest is the body of POST /threads/{thread_id}/history.
type ThreadHistoryRequest struct {
	Limit    int            `json:"limit,omitempty"`
	Before   string         `json:"before,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StateUpdate is one update inside a superstep.
type StateUpdate struct {
	Values  any      `json:"values,omitempty"`
	AsNode  string   `json:"as_node,omitempty"`
	Command *Command `json:"command,omitempty"`
}

// Superstep is a batch of state updates applied as one logical step.
type Superstep struct {
	Updates []StateUpdate `json:"updates"`
}

// BatchStateRequest is the body of POST /threads/state/batch.
type BatchStateRequest struct {
	ThreadID   *uuid.UUID     `json:"thread_id,omitempty"`
	Supersteps []Superstep    `json:"supersteps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IfExists   IfExists       `json:"if_exists,omitempty"`
}

// ThreadTask is the per-task slice of a thread state snapshot.
type ThreadTask struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Error      string `json:"error,omitempty"`
	Interrupts []any  `json:"interrupts"`
}

// ThreadState is the state snapshot returned by the state endpoints.
type ThreadState struct {
	Values           map[string]any `json:"values"`
	Next             []string       `json:"next"`
	Tasks            []ThreadTask   `json:"tasks"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	Checkpoint       *CheckpointRef `json:"checkpoint,omitempty"`
	ParentCheckpoint *CheckpointRef `json:"parent_checkpoint,omitempty"`
}

// RunCreateRequest is the body of POST /threads/{thread_id}/runs and the
// stateless run endpoints. AssistantID accepts either an assistant UUID or
// a registered graph name.
type RunCreateRequest struct {
	AssistantID       string            `json:"assistant_id"`
	Input             any               `json:"input,omitempty"`
	Command           *Command          `json:"command,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Config            Config            `json:"config"`
	StreamMode        StringList        `json:"stream_mode,omitempty"`
	InterruptBefore   StringList        `json:"interrupt_before,omitempty"`
	InterruptAfter    StringList        `json:"interrupt_after,omitempty"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy,omitempty"`
	IfNotExists       IfNotExists       `json:"if_not_exists,omitempty"`
	AfterSeconds      float64           `json:"after_seconds,omitempty"`
	Temporary         bool              `json:"temporary,omitempty"`
}

// RunCancelRequest is the body of POST .../runs/{run_id}/cancel.
type RunCancelRequest struct {
	Action CancelAction `json:"action,omitempty"`
}
