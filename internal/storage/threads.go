package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/model"
)

// CreateThread inserts a new thread with status idle.
func (s *Store) CreateThread(_ context.Context, req model.ThreadCreateRequest) (*model.Thread, error) {
	s.tMu.Lock()
	defer s.tMu.Unlock()

	id := uuid.New()
	if req.ThreadID != nil {
		id = *req.ThreadID
	}
	if existing, ok := s.doc.Threads[id]; ok {
		if req.IfExists == model.IfExistsDoNothing {
			return cloneThread(existing), nil
		}
		return nil, fmt.Errorf("thread %s: %w", id, ErrConflict)
	}

	now := time.Now().UTC()
	t := &model.Thread{
		ThreadID:  id,
		Status:    model.ThreadStatusIdle,
		Metadata:  cloneMap(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	s.doc.Threads[id] = t
	s.markDirty()
	return cloneThread(t), nil
}

// GetThread returns the thread or ErrNotFound.
func (s *Store) GetThread(_ context.Context, id uuid.UUID) (*model.Thread, error) {
	s.tMu.RLock()
	defer s.tMu.RUnlock()
	t, ok := s.doc.Threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return cloneThread(t), nil
}

// SearchThreads returns threads newest first, filtered by status and by
// containment over values and metadata.
func (s *Store) SearchThreads(_ context.Context, req model.ThreadSearchRequest) ([]model.Thread, error) {
	s.tMu.RLock()
	defer s.tMu.RUnlock()

	var matched []*model.Thread
	for _, t := range s.doc.Threads {
		if req.Status != "" && t.Status != req.Status {
			continue
		}
		if !containsSubset(t.Metadata, req.Metadata) {
			continue
		}
		if len(req.Values) > 0 && !containsSubset(t.Values, req.Values) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ThreadID.String() < matched[j].ThreadID.String()
	})
	return page(matched, req.Limit, req.Offset, cloneThreadValue), nil
}

// PatchThread shallow-merges metadata into the thread.
func (s *Store) PatchThread(_ context.Context, id uuid.UUID, metadata map[string]any) (*model.Thread, error) {
	s.tMu.Lock()
	defer s.tMu.Unlock()

	t, ok := s.doc.Threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now().UTC()
	s.markDirty()
	return cloneThread(t), nil
}

// CopyThread creates a new thread inheriting the source's metadata,
// config, and values. Copying checkpoints is the caller's job, through
// the checkpointer.
func (s *Store) CopyThread(_ context.Context, id uuid.UUID) (*model.Thread, error) {
	s.tMu.Lock()
	defer s.tMu.Unlock()

	src, ok := s.doc.Threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	t := &model.Thread{
		ThreadID:  uuid.New(),
		Status:    model.ThreadStatusIdle,
		Config:    src.Config.Clone(),
		Metadata:  cloneMap(src.Metadata),
		Values:    cloneMap(src.Values),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.doc.Threads[t.ThreadID] = t
	s.markDirty()
	return cloneThread(t), nil
}

// DeleteThread removes the thread and every run on it, returning the
// removed run IDs so the caller can clear queues and checkpoints.
func (s *Store) DeleteThread(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	s.tMu.Lock()
	defer s.tMu.Unlock()

	if _, ok := s.doc.Threads[id]; !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	delete(s.doc.Threads, id)

	s.rMu.Lock()
	var removed []uuid.UUID
	for runID, run := range s.doc.Runs {
		if run.ThreadID == id {
			delete(s.doc.Runs, runID)
			delete(s.doc.Attempts, runID)
			removed = append(removed, runID)
		}
	}
	s.rMu.Unlock()

	s.markDirty()
	return removed, nil
}

// SetStatusParams carries the inputs of the status derivation.
type SetStatusParams struct {
	Checkpoint *checkpoint.Tuple
	Exception  error
}

// SetThreadStatus recomputes the thread's derived state:
//
//  1. an exception forces status error;
//  2. a checkpoint with pending next-nodes means interrupted;
//  3. otherwise a pending run on the thread means busy;
//  4. otherwise idle.
//
// Values and Interrupts are projected from the checkpoint, or cleared
// when there is none.
func (s *Store) SetThreadStatus(_ context.Context, id uuid.UUID, p SetStatusParams) (*model.Thread, error) {
	s.tMu.Lock()
	defer s.tMu.Unlock()

	t, ok := s.doc.Threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}

	switch {
	case p.Exception != nil:
		t.Status = model.ThreadStatusError
	case p.Checkpoint != nil && len(p.Checkpoint.Next) > 0:
		t.Status = model.ThreadStatusInterrupted
	case s.hasPendingRun(id):
		t.Status = model.ThreadStatusBusy
	default:
		t.Status = model.ThreadStatusIdle
	}

	if p.Checkpoint != nil {
		t.Values = cloneMap(p.Checkpoint.Values)
		interrupts := map[string][]any{}
		for _, task := range p.Checkpoint.Tasks {
			if len(task.Interrupts) > 0 {
				interrupts[task.ID] = append([]any(nil), task.Interrupts...)
			}
		}
		t.Interrupts = interrupts
	} else {
		t.Values = nil
		t.Interrupts = nil
	}
	t.UpdatedAt = time.Now().UTC()
	s.markDirty()
	return cloneThread(t), nil
}

// SetThreadValues overwrites the thread's materialised values, used after
// manual state updates.
func (s *Store) SetThreadValues(_ context.Context, id uuid.UUID, values map[string]any) (*model.Thread, error) {
	s.tMu.Lock()
	defer s.tMu.Unlock()

	t, ok := s.doc.Threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	t.Values = cloneMap(values)
	t.UpdatedAt = time.Now().UTC()
	s.markDirty()
	return cloneThread(t), nil
}

// hasPendingRun reports whether any run on the thread is pending.
// Caller holds tMu; rMu is taken read-only (lock order t before r).
func (s *Store) hasPendingRun(threadID uuid.UUID) bool {
	s.rMu.RLock()
	defer s.rMu.RUnlock()
	for _, run := range s.doc.Runs {
		if run.ThreadID == threadID && run.Status == model.RunStatusPending {
			return true
		}
	}
	return false
}

func cloneThread(t *model.Thread) *model.Thread {
	c := *t
	c.Config = t.Config.Clone()
	c.Metadata = cloneMap(t.Metadata)
	c.Values = cloneMap(t.Values)
	if t.Interrupts != nil {
		c.Interrupts = make(map[string][]any, len(t.Interrupts))
		for k, v := range t.Interrupts {
			c.Interrupts[k] = append([]any(nil), v...)
		}
	}
	return &c
}

func cloneThreadValue(t *model.Thread) model.Thread {
	return *cloneThread(t)
}
