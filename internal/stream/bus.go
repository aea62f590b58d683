package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ControlDone is the sentinel control payload that terminates a subscriber.
const ControlDone = "done"

// RunTopic builds the payload topic for a run and subtopic.
func RunTopic(runID uuid.UUID, subtopic string) string {
	return fmt.Sprintf("run:%s:stream:%s", runID, subtopic)
}

// ControlTopic builds the control topic for a run.
func ControlTopic(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s:control", runID)
}

// Bus holds the per-run queues and cancellation handles. Locking a run
// marks it as claimed by the executor; at most one handle exists per run.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[uuid.UUID]*Queue
	control map[uuid.UUID]*Cancellation
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:  logger,
		queues:  make(map[uuid.UUID]*Queue),
		control: make(map[uuid.UUID]*Cancellation),
	}
}

// Queue returns the run's queue, creating it if absent.
func (b *Bus) Queue(runID uuid.UUID) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[runID]
	if !ok {
		q = NewQueue()
		b.queues[runID] = q
	}
	return q
}

// Remove drops the run's queue, releasing buffered messages.
func (b *Bus) Remove(runID uuid.UUID) {
	b.mu.Lock()
	delete(b.queues, runID)
	b.mu.Unlock()
}

// Lock creates the run's cancellation handle, claiming it for execution.
// A handle that already exists is overwritten with a warning; the old
// handle keeps working for anyone already holding it.
func (b *Bus) Lock(runID uuid.UUID) *Cancellation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.control[runID]; ok {
		b.logger.Warn("stream: run already locked, overwriting handle", "run_id", runID)
	}
	c := NewCancellation()
	b.control[runID] = c
	return c
}

// Unlock removes the run's cancellation handle.
func (b *Bus) Unlock(runID uuid.UUID) {
	b.mu.Lock()
	delete(b.control, runID)
	b.mu.Unlock()
}

// IsLocked reports whether the run is claimed by the executor.
func (b *Bus) IsLocked(runID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.control[runID]
	return ok
}

// Control returns the run's cancellation handle, or nil.
func (b *Bus) Control(runID uuid.UUID) *Cancellation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.control[runID]
}

// Fire fires the run's cancellation handle if one exists and reports
// whether it did.
func (b *Bus) Fire(runID uuid.UUID, reason Reason) bool {
	c := b.Control(runID)
	if c == nil {
		return false
	}
	c.Fire(reason)
	return true
}

// Publish marshals data and pushes it onto the run's queue under the given
// stream subtopic.
func (b *Bus) Publish(runID uuid.UUID, subtopic string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("stream: marshal event", "run_id", runID, "subtopic", subtopic, "error", err)
		return
	}
	b.Queue(runID).Push(Message{Topic: RunTopic(runID, subtopic), Data: payload})
}

// PublishControl pushes a control payload onto the run's queue.
func (b *Bus) PublishControl(runID uuid.UUID, payload string) {
	b.Queue(runID).Push(Message{Topic: ControlTopic(runID), Data: []byte(payload)})
}
