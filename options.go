package trellis

import (
	"log/slog"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/config"
	"github.com/trellis-ai/trellis/internal/graph"
)

// Option configures New.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	cfg     *config.Config
	logger  *slog.Logger
	saver   checkpoint.Saver
	graphs  map[string]graph.Factory
	version string
}

// WithConfig supplies configuration instead of reading the environment.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithCheckpointSaver injects a checkpoint backend, overriding the one
// selected by configuration.
func WithCheckpointSaver(saver checkpoint.Saver) Option {
	return func(o *resolvedOptions) { o.saver = saver }
}

// WithGraph registers a graph factory under id. Every registered graph
// gets a seeded assistant addressable by the graph name.
func WithGraph(id string, factory graph.Factory) Option {
	return func(o *resolvedOptions) {
		if o.graphs == nil {
			o.graphs = make(map[string]graph.Factory)
		}
		o.graphs[id] = factory
	}
}

// WithVersion sets the reported server version.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
