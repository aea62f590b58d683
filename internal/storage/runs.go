package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/stream"
)

// CreateRunParams are the inputs to CreateRun. PreventInsert
// implements the reject multitask strategy: when set and the thread has
// pending runs, nothing is inserted and the inflight list is returned
// as-is for the boundary to act on.
type CreateRunParams struct {
	RunID             uuid.UUID
	ThreadID          uuid.UUID
	AssistantID       uuid.UUID
	Input             any
	Command           *model.Command
	StreamMode        []string
	InterruptBefore   []string
	InterruptAfter    []string
	Config            model.Config
	Metadata          map[string]any
	MultitaskStrategy model.MultitaskStrategy
	IfNotExists       model.IfNotExists
	AfterSeconds      float64
	Temporary         bool
	PreventInsert     bool
	UserID            string
}

// CreateRun reserves a pending run against a thread, creating the thread
// on demand when if_not_exists=create. Returns the new run (nil when the
// insert was prevented) and the inflight pending runs that preceded it.
func (s *Store) CreateRun(_ context.Context, p CreateRunParams) (*model.Run, []model.Run, error) {
	s.aMu.RLock()
	assistant, ok := s.doc.Assistants[p.AssistantID]
	var assistantConfig model.Config
	var graphID string
	if ok {
		assistantConfig = assistant.Config.Clone()
		graphID = assistant.GraphID
	}
	s.aMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("assistant %s: %w", p.AssistantID, ErrNotFound)
	}

	s.tMu.Lock()
	defer s.tMu.Unlock()

	now := time.Now().UTC()
	thread, ok := s.doc.Threads[p.ThreadID]
	if !ok {
		if p.IfNotExists != model.IfNotExistsCreate {
			return nil, nil, fmt.Errorf("thread %s: %w", p.ThreadID, ErrNotFound)
		}
		thread = &model.Thread{
			ThreadID: p.ThreadID,
			Status:   model.ThreadStatusBusy,
			Config:   model.MergeConfigs(assistantConfig, p.Config),
			Metadata: map[string]any{
				"graph_id":     graphID,
				"assistant_id": p.AssistantID.String(),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.doc.Threads[p.ThreadID] = thread
	} else {
		if thread.Status != model.ThreadStatusBusy {
			thread.Status = model.ThreadStatusBusy
			thread.Config = model.MergeConfigs(assistantConfig, thread.Config, p.Config)
			thread.UpdatedAt = now
		}
		// The thread picks up the graph binding of whatever runs on it.
		if thread.Metadata == nil {
			thread.Metadata = map[string]any{}
		}
		thread.Metadata["graph_id"] = graphID
		thread.Metadata["assistant_id"] = p.AssistantID.String()
	}

	s.rMu.Lock()
	defer s.rMu.Unlock()

	inflight := s.pendingOnThread(p.ThreadID)
	if p.PreventInsert && len(inflight) > 0 {
		s.markDirty()
		return nil, inflight, nil
	}

	// Later layers override earlier ones; the synthesized identifiers win.
	configurable := mergeConfigurables(
		assistantConfig.Configurable,
		thread.Config.Configurable,
		p.Config.Configurable,
		map[string]any{
			"run_id":       p.RunID.String(),
			"thread_id":    p.ThreadID.String(),
			"graph_id":     graphID,
			"assistant_id": p.AssistantID.String(),
			"user_id":      p.UserID,
		},
	)
	runConfig := model.MergeConfigs(assistantConfig, thread.Config, p.Config)
	runConfig.Configurable = configurable

	strategy := p.MultitaskStrategy
	if strategy == "" {
		strategy = model.MultitaskReject
	}
	createdAt := now.Add(time.Duration(p.AfterSeconds * float64(time.Second)))
	run := &model.Run{
		RunID:       p.RunID,
		ThreadID:    p.ThreadID,
		AssistantID: p.AssistantID,
		Status:      model.RunStatusPending,
		Kwargs: model.RunKwargs{
			Input:           p.Input,
			Command:         p.Command,
			StreamMode:      append([]string(nil), p.StreamMode...),
			InterruptBefore: append([]string(nil), p.InterruptBefore...),
			InterruptAfter:  append([]string(nil), p.InterruptAfter...),
			Config:          runConfig,
			Temporary:       p.Temporary,
		},
		MultitaskStrategy: strategy,
		Metadata:          cloneMap(p.Metadata),
		CreatedAt:         createdAt,
		UpdatedAt:         now,
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	if len(run.Kwargs.StreamMode) == 0 {
		run.Kwargs.StreamMode = []string{"values"}
	}
	s.doc.Runs[p.RunID] = run
	s.markDirty()
	s.notifyRuns()
	return cloneRun(run), inflight, nil
}

// GetRun returns the run, checking the thread when one is given.
func (s *Store) GetRun(_ context.Context, runID uuid.UUID, threadID *uuid.UUID) (*model.Run, error) {
	s.rMu.RLock()
	defer s.rMu.RUnlock()
	run, ok := s.doc.Runs[runID]
	if !ok || (threadID != nil && run.ThreadID != *threadID) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(run), nil
}

// RunSearchRequest filters SearchRuns.
type RunSearchRequest struct {
	ThreadID uuid.UUID
	Status   model.RunStatus
	Metadata map[string]any
	Limit    int
	Offset   int
}

// SearchRuns lists runs on a thread, newest first.
func (s *Store) SearchRuns(_ context.Context, req RunSearchRequest) ([]model.Run, error) {
	s.rMu.RLock()
	defer s.rMu.RUnlock()

	var matched []*model.Run
	for _, run := range s.doc.Runs {
		if run.ThreadID != req.ThreadID {
			continue
		}
		if req.Status != "" && run.Status != req.Status {
			continue
		}
		if !containsSubset(run.Metadata, req.Metadata) {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].RunID.String() < matched[j].RunID.String()
	})
	return page(matched, req.Limit, req.Offset, cloneRunValue), nil
}

// DeleteRun removes the run and its retry counter.
func (s *Store) DeleteRun(_ context.Context, runID uuid.UUID, threadID *uuid.UUID) error {
	s.rMu.Lock()
	defer s.rMu.Unlock()
	run, ok := s.doc.Runs[runID]
	if !ok || (threadID != nil && run.ThreadID != *threadID) {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	delete(s.doc.Runs, runID)
	delete(s.doc.Attempts, runID)
	s.markDirty()
	return nil
}

// SetRunStatus transitions the run and advances updated_at.
func (s *Store) SetRunStatus(_ context.Context, runID uuid.UUID, status model.RunStatus) (*model.Run, error) {
	s.rMu.Lock()
	defer s.rMu.Unlock()
	run, ok := s.doc.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	s.markDirty()
	return cloneRun(run), nil
}

// RescheduleRun puts a run back to pending with a future created_at, used
// by the executor's transient-retry path.
func (s *Store) RescheduleRun(_ context.Context, runID uuid.UUID, at time.Time) error {
	s.rMu.Lock()
	defer s.rMu.Unlock()
	run, ok := s.doc.Runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run.Status = model.RunStatusPending
	run.CreatedAt = at.UTC()
	run.UpdatedAt = time.Now().UTC()
	s.markDirty()
	s.notifyRuns()
	return nil
}

// NextScheduled returns pending runs due at now, in strict FIFO order of
// created_at with run_id as the tie-break.
func (s *Store) NextScheduled(_ context.Context, now time.Time) []model.Run {
	s.rMu.RLock()
	defer s.rMu.RUnlock()

	var due []*model.Run
	for _, run := range s.doc.Runs {
		if run.Status == model.RunStatusPending && !run.CreatedAt.After(now) {
			due = append(due, run)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].RunID.String() < due[j].RunID.String()
	})
	out := make([]model.Run, 0, len(due))
	for _, run := range due {
		out = append(out, *cloneRun(run))
	}
	return out
}

// IncrementAttempt bumps the run's retry counter and returns the new
// attempt number, starting at 1.
func (s *Store) IncrementAttempt(_ context.Context, runID uuid.UUID) int {
	s.rMu.Lock()
	defer s.rMu.Unlock()
	s.doc.Attempts[runID]++
	s.markDirty()
	return s.doc.Attempts[runID]
}

// CancelRuns fires cancellation for the given runs. Runs that already
// finished are skipped with a log line. Pending runs are marked
// interrupted — unless the action is rollback and the run was never
// handed to the executor, in which case the run is deleted outright.
// Returns ErrNotFound when any requested run was missing.
func (s *Store) CancelRuns(ctx context.Context, threadID *uuid.UUID, runIDs []uuid.UUID, action model.CancelAction) error {
	if action == "" {
		action = model.CancelActionInterrupt
	}
	reason := stream.ReasonInterrupt
	if action == model.CancelActionRollback {
		reason = stream.ReasonRollback
	}

	found := 0
	var recompute []uuid.UUID

	s.rMu.Lock()
	for _, runID := range runIDs {
		run, ok := s.doc.Runs[runID]
		if !ok || (threadID != nil && run.ThreadID != *threadID) {
			continue
		}
		found++

		fired := false
		if s.canceler != nil {
			fired = s.canceler.Fire(runID, reason)
		}

		switch {
		case run.Status != model.RunStatusPending:
			// Finished runs cannot be cancelled; firing the handle above
			// is still correct for a run mid-execution.
			s.logger.Info("storage: cancel ignored for non-pending run",
				"run_id", runID, "status", run.Status)
		case fired || action != model.CancelActionRollback:
			run.Status = model.RunStatusInterrupted
			run.UpdatedAt = time.Now().UTC()
		default:
			// Rollback of a run the executor never picked up: erase it.
			delete(s.doc.Runs, runID)
			delete(s.doc.Attempts, runID)
			recompute = append(recompute, run.ThreadID)
		}
	}
	s.rMu.Unlock()
	s.markDirty()

	for _, tid := range recompute {
		s.settleThread(ctx, tid)
	}

	if found < len(runIDs) {
		return fmt.Errorf("cancel: %d of %d runs: %w", found, len(runIDs), ErrNotFound)
	}
	return nil
}

// settleThread downgrades a busy thread with no remaining pending runs to
// idle. Values and interrupts are left untouched; full re-projection
// happens through SetThreadStatus when a checkpoint is at hand.
func (s *Store) settleThread(_ context.Context, threadID uuid.UUID) {
	s.tMu.Lock()
	defer s.tMu.Unlock()
	t, ok := s.doc.Threads[threadID]
	if !ok || t.Status != model.ThreadStatusBusy {
		return
	}
	if !s.hasPendingRun(threadID) {
		t.Status = model.ThreadStatusIdle
		t.UpdatedAt = time.Now().UTC()
		s.markDirty()
	}
}

// pendingOnThread returns pending runs FIFO. Caller holds rMu.
func (s *Store) pendingOnThread(threadID uuid.UUID) []model.Run {
	var pending []*model.Run
	for _, run := range s.doc.Runs {
		if run.ThreadID == threadID && run.Status == model.RunStatusPending {
			pending = append(pending, run)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].RunID.String() < pending[j].RunID.String()
	})
	out := make([]model.Run, 0, len(pending))
	for _, run := range pending {
		out = append(out, *cloneRun(run))
	}
	return out
}

func cloneRun(r *model.Run) *model.Run {
	c := *r
	c.Kwargs.Config = r.Kwargs.Config.Clone()
	c.Kwargs.StreamMode = append([]string(nil), r.Kwargs.StreamMode...)
	c.Kwargs.InterruptBefore = append([]string(nil), r.Kwargs.InterruptBefore...)
	c.Kwargs.InterruptAfter = append([]string(nil), r.Kwargs.InterruptAfter...)
	c.Metadata = cloneMap(r.Metadata)
	return &c
}

func cloneRunValue(r *model.Run) model.Run {
	return *cloneRun(r)
}
