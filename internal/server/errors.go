package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/storage"
)

// errorBody is the error response shape: {"message": "..."}.
type errorBody struct {
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Message: message})
}

// writeDomainError maps sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrBadRequest), errors.Is(err, graph.ErrNotRegistered):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// decodeJSON decodes a request body, tolerating an empty body for
// endpoints whose fields are all optional.
func decodeJSON(r *http.Request, maxBytes int64, target any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
