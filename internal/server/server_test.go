package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/server"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
	"github.com/trellis-ai/trellis/internal/testutil"
)

// newHandler builds the HTTP stack without an executor: enough for
// request validation and CRUD paths.
func newHandler(t *testing.T) http.Handler {
	t.Helper()
	logger := testutil.TestLogger()
	bus := stream.NewBus(logger)
	store, err := storage.New(filepath.Join(t.TempDir(), "ops.json"), logger, storage.WithCanceler(bus))
	require.NoError(t, err)

	registry := graph.NewRegistry(logger)
	registry.Register("agent", graph.NewLinear([]graph.Node{
		{Name: "respond", Fn: func(_ context.Context, v map[string]any, _, _ any) (map[string]any, error) { return v, nil }},
	}))

	srv := server.New(server.Config{
		Store:               store,
		Bus:                 bus,
		Saver:               checkpoint.NewProxy(checkpoint.NewMemorySaver(), logger),
		Graphs:              registry,
		Logger:              logger,
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		Version:             "test",
	})
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvalidUUIDIs422(t *testing.T) {
	h := newHandler(t)
	rec := do(t, h, http.MethodGet, "/threads/not-a-uuid", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["message"])
}

func TestUnknownThreadIs404(t *testing.T) {
	h := newHandler(t)
	rec := do(t, h, http.MethodGet, "/threads/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAssistantUnknownGraphIs400(t *testing.T) {
	h := newHandler(t)
	rec := do(t, h, http.MethodPost, "/assistants", map[string]any{"graph_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAssistantMissingGraphIs422(t *testing.T) {
	h := newHandler(t)
	rec := do(t, h, http.MethodPost, "/assistants", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateRunUnknownAssistantIs404(t *testing.T) {
	h := newHandler(t)
	created := do(t, h, http.MethodPost, "/threads", map[string]any{})
	require.Equal(t, http.StatusOK, created.Code)
	var thread map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))

	rec := do(t, h, http.MethodPost, "/threads/"+thread["thread_id"].(string)+"/runs", map[string]any{
		"assistant_id": "ghost-graph",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelBadActionIs422(t *testing.T) {
	h := newHandler(t)
	created := do(t, h, http.MethodPost, "/threads", map[string]any{})
	var thread map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))

	rec := do(t, h, http.MethodPost,
		"/threads/"+thread["thread_id"].(string)+"/runs/1b4e28ba-2fa1-11d2-883f-0016d3cca427/cancel",
		map[string]any{"action": "explode"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestThreadCreateConflict(t *testing.T) {
	h := newHandler(t)
	created := do(t, h, http.MethodPost, "/threads", map[string]any{})
	require.Equal(t, http.StatusOK, created.Code)
	var thread map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))

	dup := do(t, h, http.MethodPost, "/threads", map[string]any{"thread_id": thread["thread_id"]})
	assert.Equal(t, http.StatusConflict, dup.Code)

	idem := do(t, h, http.MethodPost, "/threads", map[string]any{
		"thread_id": thread["thread_id"],
		"if_exists": "do_nothing",
	})
	assert.Equal(t, http.StatusOK, idem.Code)
}

func TestStateOnUnboundThreadIsEmpty(t *testing.T) {
	h := newHandler(t)
	created := do(t, h, http.MethodPost, "/threads", map[string]any{})
	var thread map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))

	rec := do(t, h, http.MethodGet, "/threads/"+thread["thread_id"].(string)+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Empty(t, state["values"])
	assert.Empty(t, state["next"])
}

func TestUpdateStateOnUnboundThreadIs400(t *testing.T) {
	h := newHandler(t)
	created := do(t, h, http.MethodPost, "/threads", map[string]any{})
	var thread map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))

	rec := do(t, h, http.MethodPost, "/threads/"+thread["thread_id"].(string)+"/state", map[string]any{
		"values": map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	h := newHandler(t)
	rec := do(t, h, http.MethodGet, "/ok", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
