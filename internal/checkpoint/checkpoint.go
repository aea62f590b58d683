// Package checkpoint defines persistent checkpoint storage for graph
// state. The core addresses checkpoints by (thread_id, checkpoint_ns,
// checkpoint_id) and treats the payload as opaque; savers own the byte
// layout.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no checkpoint matches the request.
var ErrNotFound = errors.New("checkpoint: not found")

// timeLayout is fixed-width RFC3339 with nanoseconds so the stored string
// sorts in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// NewID returns a time-ordered checkpoint id: a fixed-width nanosecond
// prefix keeps ids sortable, the random suffix keeps them unique.
func NewID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// Task is one unit of graph work recorded on a checkpoint. Interrupts
// carries the payloads of any interrupt raised by the task.
type Task struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Error      string `json:"error,omitempty"`
	Interrupts []any  `json:"interrupts,omitempty"`
}

// Write is an intermediate channel write attached to a checkpoint.
type Write struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Tuple is one stored checkpoint.
type Tuple struct {
	ThreadID     uuid.UUID      `json:"thread_id"`
	Namespace    string         `json:"checkpoint_ns"`
	CheckpointID string         `json:"checkpoint_id"`
	ParentID     string         `json:"parent_checkpoint_id,omitempty"`
	Values       map[string]any `json:"values"`
	Next         []string       `json:"next,omitempty"`
	Tasks        []Task         `json:"tasks,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Writes       []Write        `json:"writes,omitempty"`
}

// ListOptions filter a List call.
type ListOptions struct {
	Limit    int
	Before   string         // exclusive upper bound on checkpoint_id
	Metadata map[string]any // containment filter over tuple metadata
}

// Saver is the storage interface implemented by checkpoint backends.
// GetTuple with an empty checkpointID returns the latest checkpoint in the
// namespace. List returns newest first.
type Saver interface {
	GetTuple(ctx context.Context, threadID uuid.UUID, ns, checkpointID string) (*Tuple, error)
	List(ctx context.Context, threadID uuid.UUID, ns string, opts ListOptions) ([]*Tuple, error)
	Put(ctx context.Context, t *Tuple) error
	PutWrites(ctx context.Context, threadID uuid.UUID, ns, checkpointID string, writes []Write) error
	Delete(ctx context.Context, threadID uuid.UUID) error
	Copy(ctx context.Context, src, dst uuid.UUID) error
	Prune(ctx context.Context, threadID uuid.UUID, metadata map[string]any) error
	Clear(ctx context.Context) error
	Close() error
}
