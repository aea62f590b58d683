// Package executor dispatches pending runs and drives graph execution.
//
// A single picker goroutine pulls due pending runs from storage in FIFO
// order and hands them to a worker pool. Each worker streams one graph,
// publishes output on the stream bus, records checkpoints through the
// checkpointer, and settles the terminal run and thread status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
)

// Options tune the executor.
type Options struct {
	Workers      int           // worker pool size (default 10)
	MaxAttempts  int           // retry budget for transient failures (default 3)
	PollInterval time.Duration // picker wake interval (default 500ms)
	GracePeriod  time.Duration // wait for a cancelled graph to unwind (default 30s)
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
}

// Executor owns the picker loop and the worker pool.
type Executor struct {
	store  *storage.Store
	bus    *stream.Bus
	saver  *checkpoint.Proxy
	graphs *graph.Registry
	logger *slog.Logger
	opts   Options

	pool *ants.Pool

	mu     sync.Mutex
	active map[uuid.UUID]uuid.UUID // thread id -> executing run id

	runsStarted  otelmetric.Int64Counter
	runsFinished otelmetric.Int64Counter
}

// New creates an executor. Call Start to begin picking runs.
func New(store *storage.Store, bus *stream.Bus, saver *checkpoint.Proxy, graphs *graph.Registry, logger *slog.Logger, opts Options) (*Executor, error) {
	opts.defaults()
	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("executor: create worker pool: %w", err)
	}
	meter := otel.GetMeterProvider().Meter("trellis/executor")
	started, _ := meter.Int64Counter("trellis.runs.started")
	finished, _ := meter.Int64Counter("trellis.runs.finished")
	return &Executor{
		store:        store,
		bus:          bus,
		saver:        saver,
		graphs:       graphs,
		logger:       logger,
		opts:         opts,
		pool:         pool,
		active:       make(map[uuid.UUID]uuid.UUID),
		runsStarted:  started,
		runsFinished: finished,
	}, nil
}

// Start runs the picker loop until ctx is done, then releases the pool.
// A picker failure is logged and the loop continues.
func (e *Executor) Start(ctx context.Context) {
	defer e.pool.Release()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.store.RunsNotify():
		}
		e.pickOnce(ctx)
	}
}

// pickOnce dispatches every due pending run that is not already locked
// and whose thread has no run executing, in FIFO order.
func (e *Executor) pickOnce(ctx context.Context) {
	for _, run := range e.store.NextScheduled(ctx, time.Now().UTC()) {
		if e.bus.IsLocked(run.RunID) {
			continue
		}
		if !e.claimThread(run.ThreadID, run.RunID) {
			continue
		}
		control := e.bus.Lock(run.RunID)
		attempt := e.store.IncrementAttempt(ctx, run.RunID)

		run := run
		if err := e.pool.Submit(func() {
			defer e.releaseThread(run.ThreadID)
			e.execute(ctx, run, attempt, control)
		}); err != nil {
			e.bus.Unlock(run.RunID)
			e.releaseThread(run.ThreadID)
			e.logger.Error("executor: submit failed", "run_id", run.RunID, "error", err)
		}
	}
}

func (e *Executor) claimThread(threadID, runID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[threadID]; busy {
		return false
	}
	e.active[threadID] = runID
	return true
}

func (e *Executor) releaseThread(threadID uuid.UUID) {
	e.mu.Lock()
	delete(e.active, threadID)
	e.mu.Unlock()
}

// execute drives one run attempt end to end.
func (e *Executor) execute(ctx context.Context, run model.Run, attempt int, control *stream.Cancellation) {
	runID, threadID := run.RunID, run.ThreadID
	defer e.bus.Unlock(runID)

	e.runsStarted.Add(ctx, 1)
	if _, err := e.store.SetRunStatus(ctx, runID, model.RunStatusRunning); err != nil {
		// Deleted between pick and dispatch (rollback cancel).
		e.logger.Info("executor: run gone before start", "run_id", runID)
		return
	}
	e.bus.Publish(runID, "metadata", map[string]any{"run_id": runID, "attempt": attempt})

	assistant, err := e.store.GetAssistant(ctx, run.AssistantID)
	if err != nil {
		e.fail(ctx, run, fmt.Errorf("assistant %s: %w", run.AssistantID, err))
		return
	}
	g, err := e.graphs.Build(assistant.GraphID, e.saver.Saver())
	if err != nil {
		e.fail(ctx, run, err)
		return
	}

	cfg := graph.Config{
		ThreadID:        threadID,
		Configurable:    run.Kwargs.Config.Configurable,
		InterruptBefore: run.Kwargs.InterruptBefore,
		InterruptAfter:  run.Kwargs.InterruptAfter,
		StreamModes:     run.Kwargs.StreamMode,
		RecursionLimit:  run.Kwargs.Config.RecursionLimit,
	}
	in := graph.Input{Values: run.Kwargs.Input, Command: run.Kwargs.Command}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan error, 1)
	go func() {
		done <- g.Stream(runCtx, in, cfg, func(c Chunk) {
			e.bus.Publish(runID, c.Mode, c.Data)
		})
	}()

	var streamErr error
	select {
	case streamErr = <-done:
	case <-control.Done():
		cancelRun()
		select {
		case streamErr = <-done:
		case <-time.After(e.opts.GracePeriod):
			e.logger.Error("executor: graph ignored cancellation past grace period",
				"run_id", runID, "grace", e.opts.GracePeriod)
			streamErr = context.Canceled
		}
	}

	switch {
	case streamErr == nil:
		e.succeed(ctx, run)
	case control.Fired():
		e.cancelled(ctx, run, control.Reason())
	case ctx.Err() != nil:
		// Shutdown, not a failure: leave the run pending for the next boot.
		if err := e.store.RescheduleRun(context.WithoutCancel(ctx), runID, time.Now().UTC()); err != nil {
			e.logger.Error("executor: reschedule on shutdown", "run_id", runID, "error", err)
		}
	default:
		e.failed(ctx, run, attempt, streamErr)
	}
}

// Chunk aliases graph.Chunk for the stream callback signature.
type Chunk = graph.Chunk

// succeed settles a run whose graph returned cleanly. A final checkpoint
// with pending next-nodes means the graph paused at an interrupt.
func (e *Executor) succeed(ctx context.Context, run model.Run) {
	tuple := e.latest(ctx, run.ThreadID)

	status := model.RunStatusSuccess
	if tuple != nil && len(tuple.Next) > 0 {
		status = model.RunStatusInterrupted
	}
	if _, err := e.store.SetRunStatus(ctx, run.RunID, status); err != nil {
		e.logger.Warn("executor: set run status", "run_id", run.RunID, "error", err)
	}
	if _, err := e.store.SetThreadStatus(ctx, run.ThreadID, storage.SetStatusParams{Checkpoint: tuple}); err != nil {
		e.logger.Warn("executor: set thread status", "thread_id", run.ThreadID, "error", err)
	}
	e.finish(ctx, run, string(status))
	e.cleanupTemporary(ctx, run)
}

// cancelled settles a run whose cancellation handle fired.
func (e *Executor) cancelled(ctx context.Context, run model.Run, reason stream.Reason) {
	if reason == stream.ReasonRollback {
		// Discard the run and everything it wrote, then re-derive the
		// thread from whatever checkpoint is left.
		if err := e.store.DeleteRun(ctx, run.RunID, nil); err != nil {
			e.logger.Warn("executor: rollback delete run", "run_id", run.RunID, "error", err)
		}
		if err := e.saver.Prune(ctx, run.ThreadID, map[string]any{"run_id": run.RunID.String()}); err != nil {
			e.logger.Error("executor: rollback prune checkpoints", "run_id", run.RunID, "error", err)
		}
		tuple := e.latest(ctx, run.ThreadID)
		if _, err := e.store.SetThreadStatus(ctx, run.ThreadID, storage.SetStatusParams{Checkpoint: tuple}); err != nil {
			e.logger.Warn("executor: set thread status", "thread_id", run.ThreadID, "error", err)
		}
		e.finish(ctx, run, "rollback")
		return
	}

	if _, err := e.store.SetRunStatus(ctx, run.RunID, model.RunStatusInterrupted); err != nil {
		e.logger.Warn("executor: set run status", "run_id", run.RunID, "error", err)
	}
	tuple := e.latest(ctx, run.ThreadID)
	if _, err := e.store.SetThreadStatus(ctx, run.ThreadID, storage.SetStatusParams{Checkpoint: tuple}); err != nil {
		e.logger.Warn("executor: set thread status", "thread_id", run.ThreadID, "error", err)
	}
	e.finish(ctx, run, string(model.RunStatusInterrupted))
}

// failed settles a run whose graph returned an error. Transient failures
// inside the retry budget go back to pending with backoff.
func (e *Executor) failed(ctx context.Context, run model.Run, attempt int, streamErr error) {
	if isTransient(streamErr) && attempt <= e.opts.MaxAttempts {
		delay := backoff(attempt)
		e.logger.Warn("executor: transient failure, retrying",
			"run_id", run.RunID, "attempt", attempt, "delay", delay, "error", streamErr)
		if err := e.store.RescheduleRun(ctx, run.RunID, time.Now().UTC().Add(delay)); err != nil {
			e.logger.Error("executor: reschedule", "run_id", run.RunID, "error", err)
		}
		return
	}
	e.fail(ctx, run, streamErr)
}

// fail marks run and thread as errored and frames the error for
// subscribers before the terminating control message.
func (e *Executor) fail(ctx context.Context, run model.Run, cause error) {
	e.logger.Error("executor: run failed", "run_id", run.RunID, "error", cause)
	if _, err := e.store.SetRunStatus(ctx, run.RunID, model.RunStatusError); err != nil {
		e.logger.Warn("executor: set run status", "run_id", run.RunID, "error", err)
	}
	e.bus.Publish(run.RunID, "error", map[string]any{
		"error":   fmt.Sprintf("%T", cause),
		"message": cause.Error(),
	})
	if _, err := e.store.SetThreadStatus(ctx, run.ThreadID, storage.SetStatusParams{Exception: cause}); err != nil {
		e.logger.Warn("executor: set thread status", "thread_id", run.ThreadID, "error", err)
	}
	e.finish(ctx, run, string(model.RunStatusError))
	e.cleanupTemporary(ctx, run)
}

// finish emits the metric and the terminating control message.
func (e *Executor) finish(ctx context.Context, run model.Run, outcome string) {
	e.runsFinished.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	e.bus.PublishControl(run.RunID, stream.ControlDone)
}

// cleanupTemporary erases a fire-and-forget thread once its run settled.
func (e *Executor) cleanupTemporary(ctx context.Context, run model.Run) {
	if !run.Kwargs.Temporary {
		return
	}
	if _, err := e.store.DeleteThread(ctx, run.ThreadID); err != nil {
		e.logger.Warn("executor: delete temporary thread", "thread_id", run.ThreadID, "error", err)
		return
	}
	if err := e.saver.Delete(ctx, run.ThreadID); err != nil {
		e.logger.Warn("executor: delete temporary checkpoints", "thread_id", run.ThreadID, "error", err)
	}
}

func (e *Executor) latest(ctx context.Context, threadID uuid.UUID) *checkpoint.Tuple {
	tuple, err := e.saver.GetTuple(ctx, threadID, "", "")
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			e.logger.Warn("executor: load final checkpoint", "thread_id", threadID, "error", err)
		}
		return nil
	}
	return tuple
}

// isTransient classifies errors worth retrying: timeouts and I/O-level
// failures. Graph-level errors are final.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

// backoff is exponential from 1s with the base capped at 30s, plus ±50%
// jitter on that base.
func backoff(attempt int) time.Duration {
	base := time.Second << (attempt - 1)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base))) - base/2
	return base + jitter
}
