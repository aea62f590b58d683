package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/executor"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
	"github.com/trellis-ai/trellis/internal/testutil"
)

type harness struct {
	store *storage.Store
	bus   *stream.Bus
	saver *checkpoint.MemorySaver
}

// newHarness wires a store, bus, memory saver, and a running executor
// with a fast picker.
func newHarness(t *testing.T, register func(*graph.Registry)) *harness {
	t.Helper()
	logger := testutil.TestLogger()
	bus := stream.NewBus(logger)
	store, err := storage.New(filepath.Join(t.TempDir(), "ops.json"), logger, storage.WithCanceler(bus))
	require.NoError(t, err)

	saver := checkpoint.NewMemorySaver()
	registry := graph.NewRegistry(logger)
	register(registry)

	exec, err := executor.New(store, bus, checkpoint.NewProxy(saver, logger), registry, logger, executor.Options{
		Workers:      4,
		MaxAttempts:  3,
		PollInterval: 20 * time.Millisecond,
		GracePeriod:  2 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go exec.Start(ctx)

	return &harness{store: store, bus: bus, saver: saver}
}

// countGraph increments values["n"] across three nodes, sleeping
// step_delay_ms between steps when configured.
func countGraph() graph.Factory {
	inc := func(_ context.Context, values map[string]any, _ any, _ any) (map[string]any, error) {
		n, _ := values["n"].(float64)
		values["n"] = n + 1
		return values, nil
	}
	return graph.NewLinear([]graph.Node{
		{Name: "one", Fn: inc},
		{Name: "two", Fn: inc},
		{Name: "three", Fn: inc},
	})
}

func (h *harness) createRun(t *testing.T, graphID string, configurable map[string]any) *model.Run {
	t.Helper()
	assistant, err := h.store.CreateAssistant(context.Background(), model.AssistantCreateRequest{
		GraphID: graphID,
	})
	require.NoError(t, err)
	run, _, err := h.store.CreateRun(context.Background(), storage.CreateRunParams{
		RunID:       uuid.New(),
		ThreadID:    uuid.New(),
		AssistantID: assistant.AssistantID,
		Input:       map[string]any{"n": float64(0)},
		Config:      model.Config{Configurable: configurable},
		StreamMode:  []string{"values"},
		IfNotExists: model.IfNotExistsCreate,
	})
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func (h *harness) waitStatus(t *testing.T, runID uuid.UUID, want model.RunStatus) *model.Run {
	t.Helper()
	var got *model.Run
	require.Eventually(t, func() bool {
		run, err := h.store.GetRun(context.Background(), runID, nil)
		if err != nil {
			return false
		}
		got = run
		return run.Status == want
	}, 5*time.Second, 20*time.Millisecond, "run never reached status %s", want)
	return got
}

// drain reads the run's queue until the terminating control message.
func (h *harness) drain(t *testing.T, runID uuid.UUID) []stream.Message {
	t.Helper()
	q := h.bus.Queue(runID)
	var msgs []stream.Message
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("queue never terminated")
		default:
		}
		msg, err := q.Get(make(chan struct{}), 200*time.Millisecond)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
		if msg.Topic == stream.ControlTopic(runID) && string(msg.Data) == stream.ControlDone {
			return msgs
		}
	}
}

func TestExecutor_RunToCompletion(t *testing.T) {
	h := newHarness(t, func(r *graph.Registry) { r.Register("count", countGraph()) })
	run := h.createRun(t, "count", nil)

	h.waitStatus(t, run.RunID, model.RunStatusSuccess)

	msgs := h.drain(t, run.RunID)
	require.GreaterOrEqual(t, len(msgs), 3, "metadata, values..., done")
	assert.Equal(t, stream.RunTopic(run.RunID, "metadata"), msgs[0].Topic)
	valuesTopic := stream.RunTopic(run.RunID, "values")
	var valuesSeen int
	for _, m := range msgs {
		if m.Topic == valuesTopic {
			valuesSeen++
		}
	}
	assert.Equal(t, 3, valuesSeen, "one values event per node")

	thread, err := h.store.GetThread(context.Background(), run.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusIdle, thread.Status)
	assert.Equal(t, float64(3), thread.Values["n"])

	assert.False(t, h.bus.IsLocked(run.RunID), "run unlocked after completion")
}

func TestExecutor_CancelInterruptMidRun(t *testing.T) {
	h := newHarness(t, func(r *graph.Registry) { r.Register("count", countGraph()) })
	run := h.createRun(t, "count", map[string]any{"step_delay_ms": float64(300)})

	h.waitStatus(t, run.RunID, model.RunStatusRunning)
	threadID := run.ThreadID
	require.NoError(t, h.store.CancelRuns(context.Background(), &threadID, []uuid.UUID{run.RunID}, model.CancelActionInterrupt))

	h.waitStatus(t, run.RunID, model.RunStatusInterrupted)
	msgs := h.drain(t, run.RunID)
	for _, m := range msgs {
		assert.NotEqual(t, stream.RunTopic(run.RunID, "error"), m.Topic, "no error event on interrupt")
	}
}

func TestExecutor_CancelRollbackDiscardsRun(t *testing.T) {
	h := newHarness(t, func(r *graph.Registry) { r.Register("count", countGraph()) })
	run := h.createRun(t, "count", map[string]any{"step_delay_ms": float64(300)})

	h.waitStatus(t, run.RunID, model.RunStatusRunning)
	threadID := run.ThreadID
	require.NoError(t, h.store.CancelRuns(context.Background(), &threadID, []uuid.UUID{run.RunID}, model.CancelActionRollback))

	require.Eventually(t, func() bool {
		_, err := h.store.GetRun(context.Background(), run.RunID, nil)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond, "rollback deletes the run")

	require.Eventually(t, func() bool {
		tuples, err := h.saver.List(context.Background(), threadID, "", checkpoint.ListOptions{})
		return err == nil && len(tuples) == 0
	}, 5*time.Second, 20*time.Millisecond, "rollback prunes the run's checkpoints")

	thread, err := h.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusIdle, thread.Status)
}

func TestExecutor_TransientErrorRetries(t *testing.T) {
	attempts := 0
	flaky := func(saver checkpoint.Saver) (graph.Graph, error) {
		return graph.NewLinear([]graph.Node{
			{Name: "maybe", Fn: func(_ context.Context, values map[string]any, _ any, _ any) (map[string]any, error) {
				attempts++
				if attempts == 1 {
					return nil, os.ErrDeadlineExceeded
				}
				values["ok"] = true
				return values, nil
			}},
		})(saver)
	}
	h := newHarness(t, func(r *graph.Registry) { r.Register("flaky", flaky) })
	run := h.createRun(t, "flaky", nil)

	h.waitStatus(t, run.RunID, model.RunStatusSuccess)
	assert.Equal(t, 2, attempts)
}

func TestExecutor_FatalErrorSettlesRunAndThread(t *testing.T) {
	boom := func(saver checkpoint.Saver) (graph.Graph, error) {
		return graph.NewLinear([]graph.Node{
			{Name: "boom", Fn: func(_ context.Context, _ map[string]any, _ any, _ any) (map[string]any, error) {
				return nil, assert.AnError
			}},
		})(saver)
	}
	h := newHarness(t, func(r *graph.Registry) { r.Register("boom", boom) })
	run := h.createRun(t, "boom", nil)

	h.waitStatus(t, run.RunID, model.RunStatusError)

	msgs := h.drain(t, run.RunID)
	var sawError bool
	for _, m := range msgs {
		if m.Topic == stream.RunTopic(run.RunID, "error") {
			sawError = true
		}
	}
	assert.True(t, sawError, "error event framed before done")

	thread, err := h.store.GetThread(context.Background(), run.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusError, thread.Status)
}

func TestExecutor_EnqueuedRunsServeInOrder(t *testing.T) {
	h := newHarness(t, func(r *graph.Registry) { r.Register("count", countGraph()) })

	assistant, err := h.store.CreateAssistant(context.Background(), model.AssistantCreateRequest{GraphID: "count"})
	require.NoError(t, err)
	threadID := uuid.New()

	first, _, err := h.store.CreateRun(context.Background(), storage.CreateRunParams{
		RunID:       uuid.New(),
		ThreadID:    threadID,
		AssistantID: assistant.AssistantID,
		Input:       map[string]any{"n": float64(0)},
		Config:      model.Config{Configurable: map[string]any{"step_delay_ms": float64(100)}},
		IfNotExists: model.IfNotExistsCreate,
	})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, _, err := h.store.CreateRun(context.Background(), storage.CreateRunParams{
		RunID:             uuid.New(),
		ThreadID:          threadID,
		AssistantID:       assistant.AssistantID,
		Input:             map[string]any{},
		MultitaskStrategy: model.MultitaskEnqueue,
	})
	require.NoError(t, err)

	firstDone := h.waitStatus(t, first.RunID, model.RunStatusSuccess)
	secondDone := h.waitStatus(t, second.RunID, model.RunStatusSuccess)
	assert.True(t, !secondDone.UpdatedAt.Before(firstDone.UpdatedAt),
		"enqueued run finishes after the inflight one")
}

func TestExecutor_InterruptedGraphSetsRunInterrupted(t *testing.T) {
	h := newHarness(t, func(r *graph.Registry) { r.Register("count", countGraph()) })

	assistant, err := h.store.CreateAssistant(context.Background(), model.AssistantCreateRequest{GraphID: "count"})
	require.NoError(t, err)
	run, _, err := h.store.CreateRun(context.Background(), storage.CreateRunParams{
		RunID:           uuid.New(),
		ThreadID:        uuid.New(),
		AssistantID:     assistant.AssistantID,
		Input:           map[string]any{"n": float64(0)},
		InterruptBefore: []string{"three"},
		IfNotExists:     model.IfNotExistsCreate,
	})
	require.NoError(t, err)

	h.waitStatus(t, run.RunID, model.RunStatusInterrupted)

	thread, err := h.store.GetThread(context.Background(), run.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStatusInterrupted, thread.Status)
	require.NotNil(t, thread.Values)
	assert.Equal(t, float64(2), thread.Values["n"], "two nodes ran before the pause")
}
