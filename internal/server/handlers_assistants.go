package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store    *storage.Store
	bus      *stream.Bus
	saver    *checkpoint.Proxy
	graphs   *graph.Registry
	logger   *slog.Logger
	maxBody  int64
	version  string
	joinPoll time.Duration
}

// HandleHealth handles GET /ok.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": h.version})
}

// HandleCreateAssistant handles POST /assistants.
func (h *Handlers) HandleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req model.AssistantCreateRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.GraphID == "" {
		writeError(w, http.StatusUnprocessableEntity, "graph_id is required")
		return
	}
	if !h.graphs.Has(req.GraphID) {
		writeError(w, http.StatusBadRequest, "graph_id "+req.GraphID+" is not registered")
		return
	}
	assistant, err := h.store.CreateAssistant(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, assistant)
}

// HandleSearchAssistants handles POST /assistants/search.
func (h *Handlers) HandleSearchAssistants(w http.ResponseWriter, r *http.Request) {
	var req model.AssistantSearchRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	assistants, err := h.store.SearchAssistants(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, assistants)
}

// HandleGetAssistant handles GET /assistants/{assistant_id}.
func (h *Handlers) HandleGetAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assistantID(w, r)
	if !ok {
		return
	}
	assistant, err := h.store.GetAssistant(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, assistant)
}

// HandlePatchAssistant handles PATCH /assistants/{assistant_id}.
func (h *Handlers) HandlePatchAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assistantID(w, r)
	if !ok {
		return
	}
	var req model.AssistantPatchRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.GraphID != nil && !h.graphs.Has(*req.GraphID) {
		writeError(w, http.StatusBadRequest, "graph_id "+*req.GraphID+" is not registered")
		return
	}
	assistant, err := h.store.PatchAssistant(r.Context(), id, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, assistant)
}

// HandleDeleteAssistant handles DELETE /assistants/{assistant_id}.
// Deleting an assistant also removes its runs and their queues.
func (h *Handlers) HandleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assistantID(w, r)
	if !ok {
		return
	}
	removedRuns, err := h.store.DeleteAssistant(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	for _, runID := range removedRuns {
		h.bus.Remove(runID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetAssistantVersions handles GET /assistants/{assistant_id}/versions.
func (h *Handlers) HandleGetAssistantVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assistantID(w, r)
	if !ok {
		return
	}
	versions, err := h.store.GetAssistantVersions(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// HandleSetLatestVersion handles POST /assistants/{assistant_id}/latest.
func (h *Handlers) HandleSetLatestVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assistantID(w, r)
	if !ok {
		return
	}
	var req model.AssistantLatestRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Version < 1 {
		writeError(w, http.StatusUnprocessableEntity, "version must be >= 1")
		return
	}
	assistant, err := h.store.SetLatestVersion(r.Context(), id, req.Version)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, assistant)
}

// assistantID parses the {assistant_id} path value.
func (h *Handlers) assistantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("assistant_id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid assistant_id")
		return uuid.Nil, false
	}
	return id, true
}

// resolveAssistantID maps an assistant reference — a UUID or a registered
// graph name — to the assistant UUID.
func (h *Handlers) resolveAssistantID(ref string) (uuid.UUID, bool) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, true
	}
	if h.graphs.Has(ref) {
		return graph.AssistantIDFor(ref), true
	}
	return uuid.Nil, false
}
