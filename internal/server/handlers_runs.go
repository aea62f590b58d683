package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
)

// HandleCreateRun handles POST /threads/{thread_id}/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	run, ok := h.createRun(w, r, threadID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleCreateRunStream handles POST /threads/{thread_id}/runs/stream:
// create a run and attach to its event stream in one request.
func (h *Handlers) HandleCreateRunStream(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	run, ok := h.createRun(w, r, threadID)
	if !ok {
		return
	}
	h.serveRunStream(w, r, threadID, run.RunID)
}

// HandleCreateRunWait handles POST /threads/{thread_id}/runs/wait: create
// a run and block until its final output.
func (h *Handlers) HandleCreateRunWait(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	run, ok := h.createRun(w, r, threadID)
	if !ok {
		return
	}
	result := h.waitRun(r.Context(), threadID, run.RunID)
	writeJSON(w, http.StatusOK, result)
}

// HandleListRuns handles GET /threads/{thread_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetThread(r.Context(), threadID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	req := storage.RunSearchRequest{ThreadID: threadID}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Offset = n
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		req.Status = model.RunStatus(v)
	}
	runs, err := h.store.SearchRuns(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRun handles GET /threads/{thread_id}/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	threadID, runID, ok := h.runPath(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), runID, &threadID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleDeleteRun handles DELETE /threads/{thread_id}/runs/{run_id}.
// Cascades to the run's checkpoints and queue. A run mid-execution must
// be cancelled first.
func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	threadID, runID, ok := h.runPath(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), runID, &threadID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if run.Status == model.RunStatusRunning || h.bus.IsLocked(runID) {
		writeError(w, http.StatusConflict, "run is executing; cancel it first")
		return
	}
	if err := h.store.DeleteRun(r.Context(), runID, &threadID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.saver.Prune(r.Context(), threadID, map[string]any{"run_id": runID.String()}); err != nil {
		h.logger.Error("delete run checkpoints", "run_id", runID, "error", err)
	}
	h.bus.Remove(runID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCancelRun handles POST /threads/{thread_id}/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	threadID, runID, ok := h.runPath(w, r)
	if !ok {
		return
	}
	var req model.RunCancelRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if v := r.URL.Query().Get("action"); v != "" {
		req.Action = model.CancelAction(v)
	}
	if req.Action != "" && req.Action != model.CancelActionInterrupt && req.Action != model.CancelActionRollback {
		writeError(w, http.StatusUnprocessableEntity, "action must be interrupt or rollback")
		return
	}
	if err := h.store.CancelRuns(r.Context(), &threadID, []uuid.UUID{runID}, req.Action); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleJoinRunStream handles GET /threads/{thread_id}/runs/{run_id}/stream.
func (h *Handlers) HandleJoinRunStream(w http.ResponseWriter, r *http.Request) {
	threadID, runID, ok := h.runPath(w, r)
	if !ok {
		return
	}
	ignore404, _ := strconv.ParseBool(r.URL.Query().Get("ignore_404"))
	if _, err := h.store.GetRun(r.Context(), runID, &threadID); err != nil && !ignore404 {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.serveRunStream(w, r, threadID, runID)
}

// HandleJoinRun handles GET /threads/{thread_id}/runs/{run_id}/join: block
// until the run settles and return its final output.
func (h *Handlers) HandleJoinRun(w http.ResponseWriter, r *http.Request) {
	threadID, runID, ok := h.runPath(w, r)
	if !ok {
		return
	}
	thread, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	result := h.waitRun(r.Context(), threadID, runID)
	if result == nil {
		writeJSON(w, http.StatusOK, thread.Values)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stateless runs: each creates a fresh thread.

// HandleCreateStatelessRun handles POST /runs.
func (h *Handlers) HandleCreateStatelessRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.createRun(w, r, uuid.New())
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleCreateStatelessRunStream handles POST /runs/stream.
func (h *Handlers) HandleCreateStatelessRunStream(w http.ResponseWriter, r *http.Request) {
	run, ok := h.createRun(w, r, uuid.New())
	if !ok {
		return
	}
	h.serveRunStream(w, r, run.ThreadID, run.RunID)
}

// HandleCreateStatelessRunWait handles POST /runs/wait.
func (h *Handlers) HandleCreateStatelessRunWait(w http.ResponseWriter, r *http.Request) {
	run, ok := h.createRun(w, r, uuid.New())
	if !ok {
		return
	}
	result := h.waitRun(r.Context(), run.ThreadID, run.RunID)
	writeJSON(w, http.StatusOK, result)
}

// createRun decodes the request, reserves the run, and applies the
// multitask strategy against whatever was already inflight. A false
// return means the response has been written.
func (h *Handlers) createRun(w http.ResponseWriter, r *http.Request, threadID uuid.UUID) (*model.Run, bool) {
	var req model.RunCreateRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, false
	}
	if req.AssistantID == "" {
		writeError(w, http.StatusUnprocessableEntity, "assistant_id is required")
		return nil, false
	}
	assistantID, ok := h.resolveAssistantID(req.AssistantID)
	if !ok {
		writeError(w, http.StatusNotFound, "assistant "+req.AssistantID+" not found")
		return nil, false
	}

	strategy := req.MultitaskStrategy
	if strategy == "" {
		strategy = model.MultitaskReject
	}
	ifNotExists := req.IfNotExists
	if r.PathValue("thread_id") == "" {
		// Stateless runs always create their thread.
		ifNotExists = model.IfNotExistsCreate
	}

	params := storage.CreateRunParams{
		RunID:             uuid.New(),
		ThreadID:          threadID,
		AssistantID:       assistantID,
		Input:             req.Input,
		Command:           req.Command,
		StreamMode:        req.StreamMode,
		InterruptBefore:   req.InterruptBefore,
		InterruptAfter:    req.InterruptAfter,
		Config:            req.Config,
		Metadata:          req.Metadata,
		MultitaskStrategy: strategy,
		IfNotExists:       ifNotExists,
		AfterSeconds:      req.AfterSeconds,
		Temporary:         req.Temporary,
		PreventInsert:     strategy == model.MultitaskReject,
	}
	run, inflight, err := h.store.CreateRun(r.Context(), params)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return nil, false
	}
	if run == nil {
		// Reject strategy with runs inflight: nothing was inserted.
		writeError(w, http.StatusConflict, "thread has inflight runs")
		return nil, false
	}

	if len(inflight) > 0 {
		switch strategy {
		case model.MultitaskInterrupt, model.MultitaskRollback:
			ids := make([]uuid.UUID, 0, len(inflight))
			for _, prev := range inflight {
				ids = append(ids, prev.RunID)
			}
			action := model.CancelActionInterrupt
			if strategy == model.MultitaskRollback {
				action = model.CancelActionRollback
			}
			if err := h.store.CancelRuns(r.Context(), &threadID, ids, action); err != nil &&
				!errors.Is(err, storage.ErrNotFound) {
				writeDomainError(w, r, h.logger, err)
				return nil, false
			}
		}
	}
	return run, true
}

// serveRunStream attaches an SSE subscriber to the run's queue.
func (h *Handlers) serveRunStream(w http.ResponseWriter, r *http.Request, threadID, runID uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cancelOnDisconnect, _ := strconv.ParseBool(r.URL.Query().Get("cancel_on_disconnect"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h.joinMessages(r.Context(), threadID, runID, cancelOnDisconnect, func(event string, data []byte) bool {
		if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}, func() bool {
		if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	})
}

// joinMessages consumes the run's queue until the terminating control
// message, the run settling, or the subscriber going away. Subscriber
// cancellation optionally cancels the run itself.
func (h *Handlers) joinMessages(ctx context.Context, threadID, runID uuid.UUID, cancelOnDisconnect bool, yield func(event string, data []byte) bool, keepalive func() bool) {
	q := h.bus.Queue(runID)
	streamPrefix := stream.RunTopic(runID, "")
	controlTopic := stream.ControlTopic(runID)
	idleCycles := 0

	for {
		msg, err := q.Get(ctx.Done(), h.joinPoll)
		switch {
		case errors.Is(err, stream.ErrCancelled):
			if cancelOnDisconnect {
				// The subscriber is gone; interrupt the run on its behalf.
				cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				if cerr := h.store.CancelRuns(cancelCtx, &threadID, []uuid.UUID{runID}, model.CancelActionInterrupt); cerr != nil {
					h.logger.Debug("cancel on disconnect", "run_id", runID, "error", cerr)
				}
				cancel()
			}
			return
		case errors.Is(err, stream.ErrTimeout):
			run, gerr := h.store.GetRun(ctx, runID, nil)
			if gerr != nil {
				return
			}
			if run.Status != model.RunStatusPending && run.Status != model.RunStatusRunning {
				return
			}
			idleCycles++
			if keepalive != nil && idleCycles%15 == 0 {
				if !keepalive() {
					return
				}
			}
			continue
		}

		if msg.Topic == controlTopic {
			if string(msg.Data) == stream.ControlDone {
				return
			}
			continue
		}
		event := strings.TrimPrefix(msg.Topic, streamPrefix)
		if !yield(event, msg.Data) {
			return
		}
	}
}

// waitRun consumes the join stream and returns the last values event, or
// an __error__ wrapper when the run failed, or nil when the run produced
// no values at all.
func (h *Handlers) waitRun(ctx context.Context, threadID, runID uuid.UUID) any {
	var result any
	h.joinMessages(ctx, threadID, runID, false, func(event string, data []byte) bool {
		switch event {
		case "values":
			var v any
			if err := json.Unmarshal(data, &v); err == nil {
				result = v
			}
		case "error":
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				v = string(data)
			}
			result = map[string]any{"__error__": v}
		}
		return true
	}, nil)
	return result
}

func (h *Handlers) runPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid run_id")
		return uuid.Nil, uuid.Nil, false
	}
	return threadID, runID, true
}
