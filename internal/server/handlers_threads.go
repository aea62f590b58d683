package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// HandleCreateThread handles POST /threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req model.ThreadCreateRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	thread, err := h.store.CreateThread(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandleSearchThreads handles POST /threads/search.
func (h *Handlers) HandleSearchThreads(w http.ResponseWriter, r *http.Request) {
	var req model.ThreadSearchRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	threads, err := h.store.SearchThreads(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

// HandleGetThread handles GET /threads/{thread_id}.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	thread, err := h.store.GetThread(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandlePatchThread handles PATCH /threads/{thread_id}.
func (h *Handlers) HandlePatchThread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	var req model.ThreadPatchRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	thread, err := h.store.PatchThread(r.Context(), id, req.Metadata)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandleDeleteThread handles DELETE /threads/{thread_id}. Cascades to the
// thread's runs, their queues, and its checkpoints.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	removedRuns, err := h.store.DeleteThread(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	for _, runID := range removedRuns {
		h.bus.Remove(runID)
	}
	if err := h.saver.Delete(r.Context(), id); err != nil {
		h.logger.Error("delete thread checkpoints", "thread_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCopyThread handles POST /threads/{thread_id}/copy. The new thread
// inherits metadata and a full copy of the source's checkpoints.
func (h *Handlers) HandleCopyThread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	thread, err := h.store.CopyThread(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.saver.Copy(r.Context(), id, thread.ThreadID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// HandleGetThreadState handles GET /threads/{thread_id}/state.
func (h *Handlers) HandleGetThreadState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	subgraphs, _ := strconv.ParseBool(r.URL.Query().Get("subgraphs"))
	h.writeThreadState(w, r, id, "", subgraphs)
}

// HandleGetThreadStateAt handles GET /threads/{thread_id}/state/{checkpoint_id}.
func (h *Handlers) HandleGetThreadStateAt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	subgraphs, _ := strconv.ParseBool(r.URL.Query().Get("subgraphs"))
	h.writeThreadState(w, r, id, r.PathValue("checkpoint_id"), subgraphs)
}

// HandleThreadStateAtCheckpoint handles POST /threads/{thread_id}/state/checkpoint.
func (h *Handlers) HandleThreadStateAtCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	var req model.ThreadStateAtRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	checkpointID := ""
	if req.Checkpoint != nil {
		checkpointID = req.Checkpoint.CheckpointID
	}
	h.writeThreadState(w, r, id, checkpointID, req.Subgraphs)
}

// HandleUpdateThreadState handles POST /threads/{thread_id}/state: a
// single manual state update attributed to as_node.
func (h *Handlers) HandleUpdateThreadState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	var req model.ThreadStateUpdateRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	thread, g, cfg, err := h.graphForThread(r, id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	cfg.CheckpointID = req.CheckpointID
	if req.Checkpoint != nil && req.Checkpoint.CheckpointID != "" {
		cfg.CheckpointID = req.Checkpoint.CheckpointID
	}

	checkpointID, err := g.UpdateState(r.Context(), cfg, req.Values, req.AsNode)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.refreshThreadValues(r, g, cfg, thread.ThreadID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint": model.CheckpointRef{
			ThreadID:     &id,
			CheckpointNS: cfg.CheckpointNS,
			CheckpointID: checkpointID,
		},
	})
}

// HandleThreadHistory handles GET and POST /threads/{thread_id}/history.
func (h *Handlers) HandleThreadHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.threadID(w, r)
	if !ok {
		return
	}
	req := model.ThreadHistoryRequest{Limit: 10}
	if r.Method == http.MethodPost {
		if err := decodeJSON(r, h.maxBody, &req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	} else {
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				req.Limit = n
			}
		}
		req.Before = r.URL.Query().Get("before")
	}

	_, g, cfg, err := h.graphForThread(r, id)
	if err != nil {
		if errorsIsBadRequest(err) {
			// A thread with no graph has no history.
			writeJSON(w, http.StatusOK, []model.ThreadState{})
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	snapshots, err := g.StateHistory(r.Context(), cfg, req.Limit, req.Before, req.Metadata)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]model.ThreadState, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, threadStateFromSnapshot(id, snap))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleBatchState handles POST /threads/state/batch: apply a sequence of
// supersteps to a thread, creating it on demand.
func (h *Handlers) HandleBatchState(w http.ResponseWriter, r *http.Request) {
	var req model.BatchStateRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if len(req.Supersteps) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "supersteps must not be empty")
		return
	}

	createReq := model.ThreadCreateRequest{
		ThreadID: req.ThreadID,
		Metadata: req.Metadata,
		IfExists: req.IfExists,
	}
	if createReq.IfExists == "" && req.ThreadID != nil {
		createReq.IfExists = model.IfExistsDoNothing
	}
	thread, err := h.store.CreateThread(r.Context(), createReq)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	_, g, cfg, err := h.graphForThread(r, thread.ThreadID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if _, err := g.BulkUpdateState(r.Context(), cfg, req.Supersteps); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.refreshThreadValues(r, g, cfg, thread.ThreadID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	thread, err = h.store.GetThread(r.Context(), thread.ThreadID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// writeThreadState renders the state snapshot at a checkpoint (or the
// latest) for a thread.
func (h *Handlers) writeThreadState(w http.ResponseWriter, r *http.Request, threadID uuid.UUID, checkpointID string, subgraphs bool) {
	_, g, cfg, err := h.graphForThread(r, threadID)
	if err != nil {
		if errorsIsBadRequest(err) {
			// No graph bound yet: an empty snapshot, not an error.
			writeJSON(w, http.StatusOK, model.ThreadState{Values: map[string]any{}, Next: []string{}, Tasks: []model.ThreadTask{}})
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	cfg.CheckpointID = checkpointID
	cfg.Subgraphs = subgraphs
	snap, err := g.GetState(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, threadStateFromSnapshot(threadID, snap))
}

// graphForThread loads the thread and instantiates its graph. Threads
// without a graph binding fail with ErrBadRequest.
func (h *Handlers) graphForThread(r *http.Request, threadID uuid.UUID) (*model.Thread, graph.Graph, graph.Config, error) {
	thread, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		return nil, nil, graph.Config{}, err
	}
	graphID := thread.GraphID()
	if graphID == "" {
		return nil, nil, graph.Config{}, fmt.Errorf("thread %s has no graph binding: %w", threadID, storage.ErrBadRequest)
	}
	g, err := h.graphs.Build(graphID, h.saver.Saver())
	if err != nil {
		return nil, nil, graph.Config{}, err
	}
	cfg := graph.Config{
		ThreadID:       threadID,
		Configurable:   thread.Config.Configurable,
		RecursionLimit: thread.Config.RecursionLimit,
	}
	return thread, g, cfg, nil
}

// refreshThreadValues re-reads the latest state and writes the values
// back into the thread after a manual mutation.
func (h *Handlers) refreshThreadValues(r *http.Request, g graph.Graph, cfg graph.Config, threadID uuid.UUID) error {
	cfg.CheckpointID = ""
	snap, err := g.GetState(r.Context(), cfg)
	if err != nil {
		return err
	}
	_, err = h.store.SetThreadValues(r.Context(), threadID, snap.Values)
	return err
}

func (h *Handlers) threadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid thread_id")
		return uuid.Nil, false
	}
	return id, true
}

func threadStateFromSnapshot(threadID uuid.UUID, snap *graph.Snapshot) model.ThreadState {
	state := model.ThreadState{
		Values: snap.Values,
		Next:   snap.Next,
		Tasks:  make([]model.ThreadTask, 0, len(snap.Tasks)),
	}
	if state.Values == nil {
		state.Values = map[string]any{}
	}
	if state.Next == nil {
		state.Next = []string{}
	}
	for _, t := range snap.Tasks {
		state.Tasks = append(state.Tasks, model.ThreadTask{
			ID:         t.ID,
			Name:       t.Name,
			Error:      t.Error,
			Interrupts: t.Interrupts,
		})
	}
	state.Metadata = snap.Metadata
	if snap.CheckpointID != "" {
		tid := threadID
		created := snap.CreatedAt
		state.CreatedAt = &created
		state.Checkpoint = &model.CheckpointRef{
			ThreadID:     &tid,
			CheckpointNS: snap.CheckpointNS,
			CheckpointID: snap.CheckpointID,
		}
		if snap.ParentCheckpointID != "" {
			state.ParentCheckpoint = &model.CheckpointRef{
				ThreadID:     &tid,
				CheckpointNS: snap.CheckpointNS,
				CheckpointID: snap.ParentCheckpointID,
			}
		}
	}
	return state
}

func errorsIsBadRequest(err error) bool {
	return errors.Is(err, storage.ErrBadRequest)
}
