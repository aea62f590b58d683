package trellis_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trellis "github.com/trellis-ai/trellis"
	"github.com/trellis-ai/trellis/internal/config"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Port:                0,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		StatePath:           filepath.Join(t.TempDir(), "ops.json"),
		FlushInterval:       50 * time.Millisecond,
		CheckpointBackend:   "memory",
		Workers:             4,
		MaxAttempts:         3,
		PollInterval:        20 * time.Millisecond,
		GracePeriod:         2 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		LogLevel:            "warn",
	}
}

// respondGraph copies the run input into the thread state in one step.
func respondGraph() graph.Factory {
	return graph.NewLinear([]graph.Node{
		{Name: "respond", Fn: func(_ context.Context, values map[string]any, _ any, _ any) (map[string]any, error) {
			return values, nil
		}},
	})
}

// slowGraph takes three slow steps so cancellation can land mid-run.
func slowGraph() graph.Factory {
	step := func(_ context.Context, values map[string]any, _ any, _ any) (map[string]any, error) {
		time.Sleep(150 * time.Millisecond)
		n, _ := values["n"].(float64)
		values["n"] = n + 1
		return values, nil
	}
	return graph.NewLinear([]graph.Node{
		{Name: "one", Fn: step},
		{Name: "two", Fn: step},
		{Name: "three", Fn: step},
	})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	app, err := trellis.New(
		trellis.WithConfig(testConfig(t)),
		trellis.WithLogger(testutil.TestLogger()),
		trellis.WithGraph("agent", respondGraph()),
		trellis.WithGraph("slow", slowGraph()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = app.Close()
	})

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type sseEvent struct {
	Event string
	Data  string
}

// readSSE consumes an SSE body until the server closes it.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.Event != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func createThread(t *testing.T, ts *httptest.Server, body map[string]any) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/threads", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[map[string]any](t, resp)
}

func waitRunStatus(t *testing.T, ts *httptest.Server, threadID, runID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/runs/"+runID, nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		run := decode[map[string]any](t, resp)
		return run["status"] == want
	}, 10*time.Second, 50*time.Millisecond, "run never reached %s", want)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/ok", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["ok"])
}

func TestCreateThenStream(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	resp := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs/stream", map[string]any{
		"assistant_id": "agent",
		"input":        map[string]any{"x": float64(1)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readSSE(t, resp.Body)
	resp.Body.Close()

	var lastValues string
	var valueCount int
	for _, ev := range events {
		if ev.Event == "values" {
			valueCount++
			lastValues = ev.Data
		}
	}
	require.GreaterOrEqual(t, valueCount, 1, "at least one values event")
	assert.JSONEq(t, `{"x":1}`, lastValues)

	// Final thread state equals the last streamed values.
	stateResp := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/state", nil)
	require.Equal(t, http.StatusOK, stateResp.StatusCode)
	state := decode[map[string]any](t, stateResp)
	values, err := json.Marshal(state["values"])
	require.NoError(t, err)
	assert.JSONEq(t, lastValues, string(values))
}

func TestMultitaskReject(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	// Scheduled in the future so the first run stays pending while the
	// second request races it.
	first := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs", map[string]any{
		"assistant_id":       "slow",
		"input":              map[string]any{},
		"after_seconds":      float64(3600),
		"multitask_strategy": "reject",
	})
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstRun := decode[map[string]any](t, first)

	second := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs", map[string]any{
		"assistant_id":       "slow",
		"input":              map[string]any{},
		"multitask_strategy": "reject",
	})
	require.Equal(t, http.StatusConflict, second.StatusCode)
	second.Body.Close()

	// Exactly one run exists on the thread.
	list := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/runs", nil)
	runs := decode[[]map[string]any](t, list)
	require.Len(t, runs, 1)
	assert.Equal(t, firstRun["run_id"], runs[0]["run_id"])
}

func TestMultitaskRollbackOnUnscheduledRun(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	// R1 is scheduled far in the future, so the picker never takes it.
	first := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs", map[string]any{
		"assistant_id":  "agent",
		"input":         map[string]any{},
		"after_seconds": float64(3600),
	})
	require.Equal(t, http.StatusOK, first.StatusCode)
	r1 := decode[map[string]any](t, first)

	second := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs", map[string]any{
		"assistant_id":       "agent",
		"input":              map[string]any{},
		"after_seconds":      float64(3600),
		"multitask_strategy": "rollback",
	})
	require.Equal(t, http.StatusOK, second.StatusCode)
	r2 := decode[map[string]any](t, second)

	// R1 was deleted outright: no interrupted record remains.
	gone := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/runs/"+r1["run_id"].(string), nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
	gone.Body.Close()

	still := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/runs/"+r2["run_id"].(string), nil)
	require.Equal(t, http.StatusOK, still.StatusCode)
	r2Now := decode[map[string]any](t, still)
	assert.Equal(t, "pending", r2Now["status"])
}

func TestCancelInterruptMidRun(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	resp := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs", map[string]any{
		"assistant_id": "slow",
		"input":        map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[map[string]any](t, resp)
	runID := run["run_id"].(string)

	waitRunStatus(t, ts, threadID, runID, "running")

	cancelResp := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs/"+runID+"/cancel", map[string]any{
		"action": "interrupt",
	})
	require.Equal(t, http.StatusNoContent, cancelResp.StatusCode)
	cancelResp.Body.Close()

	waitRunStatus(t, ts, threadID, runID, "interrupted")
}

func TestBatchHistory(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{
		"metadata": map[string]any{"graph_id": "agent"},
	})
	threadID := thread["thread_id"].(string)

	batch := doJSON(t, http.MethodPost, ts.URL+"/threads/state/batch", map[string]any{
		"thread_id": threadID,
		"supersteps": []map[string]any{
			{"updates": []map[string]any{{"values": map[string]any{"n": float64(1)}}}},
			{"updates": []map[string]any{{"values": map[string]any{"n": float64(2)}}}},
			{"updates": []map[string]any{{"values": map[string]any{"n": float64(3)}}}},
		},
	})
	require.Equal(t, http.StatusOK, batch.StatusCode)
	updated := decode[map[string]any](t, batch)
	values := updated["values"].(map[string]any)
	assert.Equal(t, float64(3), values["n"])

	hist := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/history?limit=10", nil)
	require.Equal(t, http.StatusOK, hist.StatusCode)
	states := decode[[]map[string]any](t, hist)
	require.GreaterOrEqual(t, len(states), 3)
	// Reverse-chronological with matching values.
	wantN := []float64{3, 2, 1}
	for i, want := range wantN {
		stateValues := states[i]["values"].(map[string]any)
		assert.Equal(t, want, stateValues["n"], "history[%d]", i)
	}
}

func TestAssistantVersioning(t *testing.T) {
	ts := newTestServer(t)

	created := doJSON(t, http.MethodPost, ts.URL+"/assistants", map[string]any{
		"graph_id": "agent",
		"config":   map[string]any{"configurable": map[string]any{"model": "v1"}},
	})
	require.Equal(t, http.StatusOK, created.StatusCode)
	assistant := decode[map[string]any](t, created)
	id := assistant["assistant_id"].(string)
	assert.Equal(t, float64(1), assistant["version"])

	for _, modelName := range []string{"v2", "v3"} {
		patched := doJSON(t, http.MethodPatch, ts.URL+"/assistants/"+id, map[string]any{
			"config": map[string]any{"configurable": map[string]any{"model": modelName}},
		})
		require.Equal(t, http.StatusOK, patched.StatusCode)
		patched.Body.Close()
	}

	versionsResp := doJSON(t, http.MethodGet, ts.URL+"/assistants/"+id+"/versions", nil)
	require.Equal(t, http.StatusOK, versionsResp.StatusCode)
	versions := decode[[]map[string]any](t, versionsResp)
	require.Len(t, versions, 3)
	assert.Equal(t, float64(3), versions[0]["version"])
	assert.Equal(t, float64(2), versions[1]["version"])
	assert.Equal(t, float64(1), versions[2]["version"])

	latest := doJSON(t, http.MethodPost, ts.URL+"/assistants/"+id+"/latest", map[string]any{"version": float64(2)})
	require.Equal(t, http.StatusOK, latest.StatusCode)
	restored := decode[map[string]any](t, latest)
	restoredConfig := restored["config"].(map[string]any)["configurable"].(map[string]any)
	assert.Equal(t, "v2", restoredConfig["model"])
	assert.Equal(t, float64(2), restored["version"])
}

func TestRunWaitReturnsFinalValues(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	resp := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs/wait", map[string]any{
		"assistant_id": "agent",
		"input":        map[string]any{"greeting": "hello"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]any](t, resp)
	assert.Equal(t, "hello", result["greeting"])
}

func TestStatelessRunWait(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/runs/wait", map[string]any{
		"assistant_id": "agent",
		"input":        map[string]any{"k": "v"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]any](t, resp)
	assert.Equal(t, "v", result["k"])
}

func TestThreadCopyCarriesCheckpoints(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	wait := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs/wait", map[string]any{
		"assistant_id": "agent",
		"input":        map[string]any{"seed": float64(42)},
	})
	require.Equal(t, http.StatusOK, wait.StatusCode)
	wait.Body.Close()

	copyResp := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/copy", nil)
	require.Equal(t, http.StatusOK, copyResp.StatusCode)
	copied := decode[map[string]any](t, copyResp)
	copiedID := copied["thread_id"].(string)
	require.NotEqual(t, threadID, copiedID)

	state := doJSON(t, http.MethodGet, ts.URL+"/threads/"+copiedID+"/state", nil)
	require.Equal(t, http.StatusOK, state.StatusCode)
	snap := decode[map[string]any](t, state)
	values := snap["values"].(map[string]any)
	assert.Equal(t, float64(42), values["seed"])
}

func TestDeleteThreadCascades(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	wait := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs/wait", map[string]any{
		"assistant_id": "agent",
		"input":        map[string]any{},
	})
	require.Equal(t, http.StatusOK, wait.StatusCode)
	wait.Body.Close()

	del := doJSON(t, http.MethodDelete, ts.URL+"/threads/"+threadID, nil)
	require.Equal(t, http.StatusNoContent, del.StatusCode)
	del.Body.Close()

	gone := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID, nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
	gone.Body.Close()

	runsGone := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID+"/runs", nil)
	assert.Equal(t, http.StatusNotFound, runsGone.StatusCode)
	runsGone.Body.Close()
}

func TestSeededAssistantAddressableByGraphName(t *testing.T) {
	ts := newTestServer(t)

	search := doJSON(t, http.MethodPost, ts.URL+"/assistants/search", map[string]any{
		"graph_id": "agent",
		"limit":    float64(10),
	})
	require.Equal(t, http.StatusOK, search.StatusCode)
	assistants := decode[[]map[string]any](t, search)
	require.NotEmpty(t, assistants)

	var seeded bool
	for _, a := range assistants {
		if a["name"] == "agent" {
			seeded = true
		}
	}
	assert.True(t, seeded, "a seeded assistant exists per registered graph")
}

func TestUpdateThreadState(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{
		"metadata": map[string]any{"graph_id": "agent"},
	})
	threadID := thread["thread_id"].(string)

	update := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/state", map[string]any{
		"values":  map[string]any{"manual": true},
		"as_node": "respond",
	})
	require.Equal(t, http.StatusOK, update.StatusCode)
	result := decode[map[string]any](t, update)
	ref := result["checkpoint"].(map[string]any)
	require.NotEmpty(t, ref["checkpoint_id"])

	// The thread's materialised values reflect the update.
	got := doJSON(t, http.MethodGet, ts.URL+"/threads/"+threadID, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	updated := decode[map[string]any](t, got)
	values := updated["values"].(map[string]any)
	assert.Equal(t, true, values["manual"])
}

func TestStreamJoinAfterCompletion(t *testing.T) {
	ts := newTestServer(t)
	thread := createThread(t, ts, map[string]any{})
	threadID := thread["thread_id"].(string)

	resp := doJSON(t, http.MethodPost, ts.URL+"/threads/"+threadID+"/runs", map[string]any{
		"assistant_id": "agent",
		"input":        map[string]any{"x": float64(2)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[map[string]any](t, resp)
	runID := run["run_id"].(string)

	waitRunStatus(t, ts, threadID, runID, "success")

	// Joining after completion drains buffered events, then terminates.
	joined := doJSON(t, http.MethodGet, fmt.Sprintf("%s/threads/%s/runs/%s/stream", ts.URL, threadID, runID), nil)
	require.Equal(t, http.StatusOK, joined.StatusCode)
	events := readSSE(t, joined.Body)
	joined.Body.Close()

	var sawValues bool
	for _, ev := range events {
		if ev.Event == "values" {
			sawValues = true
		}
	}
	assert.True(t, sawValues)
}
