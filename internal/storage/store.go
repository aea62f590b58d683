// Package storage provides the persistence layer for Trellis.
//
// All control-plane state (assistants, threads, runs, retry counters)
// lives in a single aggregate document persisted as JSON on disk. The
// document is sharded into sections, each guarded by its own lock, so run
// status updates do not block thread reads. Operations spanning sections
// take locks in a fixed order: assistants, then threads, then runs.
//
// A background flusher writes the document when dirty; Close guarantees a
// final flush. Checkpoints are not part of the document — they belong to
// the injected checkpointer.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/stream"
)

// DefaultFlushInterval is how often the flusher checks for dirty state.
const DefaultFlushInterval = 5 * time.Second

// maxFlushFailures is how many consecutive flush failures are tolerated
// before the store escalates through the fatal callback.
const maxFlushFailures = 5

// Canceler fires a run's cancellation handle, reporting whether one
// existed. Implemented by the stream bus.
type Canceler interface {
	Fire(runID uuid.UUID, reason stream.Reason) bool
}

type document struct {
	Assistants        map[uuid.UUID]*model.Assistant         `json:"assistants"`
	AssistantVersions map[uuid.UUID][]model.AssistantVersion `json:"assistant_versions"`
	Threads           map[uuid.UUID]*model.Thread            `json:"threads"`
	Runs              map[uuid.UUID]*model.Run               `json:"runs"`
	Attempts          map[uuid.UUID]int                      `json:"attempts"`
}

func emptyDocument() document {
	return document{
		Assistants:        make(map[uuid.UUID]*model.Assistant),
		AssistantVersions: make(map[uuid.UUID][]model.AssistantVersion),
		Threads:           make(map[uuid.UUID]*model.Thread),
		Runs:              make(map[uuid.UUID]*model.Run),
		Attempts:          make(map[uuid.UUID]int),
	}
}

// Store is the aggregate document plus its section locks.
type Store struct {
	path     string
	logger   *slog.Logger
	canceler Canceler
	onFatal  func(error)

	// Section locks. Acquisition order: aMu, tMu, rMu.
	aMu sync.RWMutex
	tMu sync.RWMutex
	rMu sync.RWMutex

	doc      document
	dirty    atomic.Bool
	failures int

	runsCh chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithCanceler wires the stream bus used to fire cancellation handles.
func WithCanceler(c Canceler) Option {
	return func(s *Store) { s.canceler = c }
}

// WithFatalHandler sets the callback invoked after repeated flush failures.
func WithFatalHandler(fn func(error)) Option {
	return func(s *Store) { s.onFatal = fn }
}

// New loads the document at path, or starts empty if the file does not
// exist. A corrupt or unreadable document is a startup error.
func New(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		onFatal: func(error) {},
		doc:     emptyDocument(),
		runsCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", path, err)
	}
	// Sections omitted from an older document stay usable.
	if s.doc.Assistants == nil {
		s.doc.Assistants = make(map[uuid.UUID]*model.Assistant)
	}
	if s.doc.AssistantVersions == nil {
		s.doc.AssistantVersions = make(map[uuid.UUID][]model.AssistantVersion)
	}
	if s.doc.Threads == nil {
		s.doc.Threads = make(map[uuid.UUID]*model.Thread)
	}
	if s.doc.Runs == nil {
		s.doc.Runs = make(map[uuid.UUID]*model.Run)
	}
	if s.doc.Attempts == nil {
		s.doc.Attempts = make(map[uuid.UUID]int)
	}
	return s, nil
}

// Start launches the background flusher. It returns when ctx is done.
// Call it in a goroutine.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.dirty.Load() {
				continue
			}
			if err := s.Flush(); err != nil {
				s.failures++
				s.logger.Error("storage: flush failed", "error", err, "consecutive", s.failures)
				if s.failures >= maxFlushFailures {
					s.onFatal(fmt.Errorf("storage: %d consecutive flush failures: %w", s.failures, err))
				}
				continue
			}
			s.failures = 0
		}
	}
}

// Flush writes the document to disk if dirty. The write goes to a temp
// file first and is renamed into place.
func (s *Store) Flush() error {
	if !s.dirty.Swap(false) {
		return nil
	}
	data, err := s.snapshot()
	if err != nil {
		s.dirty.Store(true)
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("storage: rename %s: %w", tmp, err)
	}
	return nil
}

// Close performs the final flush with a bounded retry. It never drops a
// dirty document silently.
func (s *Store) Close() error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.Flush(); err == nil {
			return nil
		}
		s.logger.Error("storage: final flush failed", "attempt", attempt+1, "error", err)
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func (s *Store) snapshot() ([]byte, error) {
	s.aMu.RLock()
	defer s.aMu.RUnlock()
	s.tMu.RLock()
	defer s.tMu.RUnlock()
	s.rMu.RLock()
	defer s.rMu.RUnlock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("storage: marshal document: %w", err)
	}
	return data, nil
}

func (s *Store) markDirty() {
	s.dirty.Store(true)
}

// RunsNotify returns a channel that receives a signal whenever a run is
// created or rescheduled. The picker uses it to wake up early.
func (s *Store) RunsNotify() <-chan struct{} {
	return s.runsCh
}

func (s *Store) notifyRuns() {
	select {
	case s.runsCh <- struct{}{}:
	default:
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeConfigurables layers maps left to right, later keys winning.
func mergeConfigurables(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
