// Package graph is the boundary to the graph execution library. The core
// drives graphs exclusively through the Graph interface and never depends
// on how a graph computes; the built-in linear graph exists for the
// example binary and the test suite.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/model"
)

// ErrNotRegistered is returned when a graph id has no factory.
var ErrNotRegistered = errors.New("graph: not registered")

// Chunk is one streamed unit of graph output, tagged with its stream mode.
type Chunk struct {
	Mode string
	Data any
}

// Input is what a run hands to the graph: fresh input values, or a
// command resuming an interrupted graph.
type Input struct {
	Values  any
	Command *model.Command
}

// Config addresses one graph execution.
type Config struct {
	ThreadID        uuid.UUID
	CheckpointNS    string
	CheckpointID    string
	Configurable    map[string]any
	InterruptBefore []string
	InterruptAfter  []string
	StreamModes     []string
	RecursionLimit  int
	Subgraphs       bool
}

// Snapshot is a point-in-time view of graph state.
type Snapshot struct {
	Values             map[string]any
	Next               []string
	Tasks              []checkpoint.Task
	Metadata           map[string]any
	CreatedAt          time.Time
	CheckpointNS       string
	CheckpointID       string
	ParentCheckpointID string
}

// Graph is the six-operation interface the core drives.
type Graph interface {
	Invoke(ctx context.Context, in Input, cfg Config) (map[string]any, error)
	Stream(ctx context.Context, in Input, cfg Config, emit func(Chunk)) error
	GetState(ctx context.Context, cfg Config) (*Snapshot, error)
	UpdateState(ctx context.Context, cfg Config, values any, asNode string) (string, error)
	BulkUpdateState(ctx context.Context, cfg Config, supersteps []model.Superstep) (string, error)
	StateHistory(ctx context.Context, cfg Config, limit int, before string, metadata map[string]any) ([]*Snapshot, error)
}

// Factory builds a graph wired to a checkpoint saver.
type Factory func(saver checkpoint.Saver) (Graph, error)

// Registry maps graph ids to factories. Populated once at startup from
// configuration.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, factories: make(map[string]Factory)}
}

// Register installs a factory under id, replacing any previous one.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		r.logger.Warn("graph: factory replaced", "graph_id", id)
	}
	r.factories[id] = f
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered graph ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build instantiates the graph for id, wired to the saver.
func (r *Registry) Build(id string, saver checkpoint.Saver) (Graph, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("graph %q: %w", id, ErrNotRegistered)
	}
	return f(saver)
}

// AssistantIDFor derives the deterministic assistant id seeded for a
// registered graph, so clients may address assistants by graph name.
func AssistantIDFor(graphID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("trellis-assistant:"+graphID))
}
