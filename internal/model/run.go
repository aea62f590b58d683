package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusError       RunStatus = "error"
	RunStatusSuccess     RunStatus = "success"
	RunStatusTimeout     RunStatus = "timeout"
	RunStatusInterrupted RunStatus = "interrupted"
)

// MultitaskStrategy governs what happens when a run is launched against a
// thread that already has pending runs.
type MultitaskStrategy string

const (
	MultitaskReject    MultitaskStrategy = "reject"
	MultitaskRollback  MultitaskStrategy = "rollback"
	MultitaskInterrupt MultitaskStrategy = "interrupt"
	MultitaskEnqueue   MultitaskStrategy = "enqueue"
)

// CancelAction is the requested effect of a run cancellation.
type CancelAction string

const (
	CancelActionInterrupt CancelAction = "interrupt"
	CancelActionRollback  CancelAction = "rollback"
)

// Command resumes an interrupted graph instead of providing fresh input.
type Command struct {
	Resume any            `json:"resume,omitempty"`
	Update map[string]any `json:"update,omitempty"`
	Goto   string         `json:"goto,omitempty"`
}

// RunKwargs are the execution arguments recorded on a run. Input and
// Command are stored as the request gave them; nothing here checks that
// only one of them is set.
type RunKwargs struct {
	Input           any      `json:"input,omitempty"`
	Command         *Command `json:"command,omitempty"`
	StreamMode      []string `json:"stream_mode,omitempty"`
	InterruptBefore []string `json:"interrupt_before,omitempty"`
	InterruptAfter  []string `json:"interrupt_after,omitempty"`
	Config          Config   `json:"config"`
	Temporary       bool     `json:"temporary,omitempty"`
}

// Run is one execution of an assistant against a thread. CreatedAt may be
// in the future for scheduled runs; the picker only dispatches due runs.
type Run struct {
	RunID             uuid.UUID         `json:"run_id"`
	ThreadID          uuid.UUID         `json:"thread_id"`
	AssistantID       uuid.UUID         `json:"assistant_id"`
	Status            RunStatus         `json:"status"`
	Kwargs            RunKwargs         `json:"kwargs"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy"`
	Metadata          map[string]any    `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
