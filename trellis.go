// Package trellis is the public API for embedding the Trellis run server.
//
// Consumers construct an App with their graphs registered, then either
// Run it (blocking, with HTTP listener and graceful shutdown) or drive
// the Handler directly in tests:
//
//	app, err := trellis.New(
//	    trellis.WithLogger(logger),
//	    trellis.WithGraph("agent", myGraphFactory),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: trellis (root)
// imports internal/*, but internal/* never imports the root.
package trellis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/config"
	"github.com/trellis-ai/trellis/internal/executor"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/mcp"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/server"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
)

// App is the Trellis server lifecycle. Construct with New(), run with
// Run(), or drive Handler() directly in tests.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	bus      *stream.Bus
	saver    *checkpoint.Proxy
	registry *graph.Registry
	exec     *executor.Executor
	srv      *server.Server

	fatalCh chan error
}

// New wires all subsystems and returns a ready-to-run App. It does not
// start goroutines or accept connections — call Run or Start.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	cfg := config.Config{}
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	app := &App{
		cfg:     cfg,
		logger:  o.logger,
		fatalCh: make(chan error, 1),
	}

	app.bus = stream.NewBus(o.logger)

	store, err := storage.New(cfg.StatePath, o.logger,
		storage.WithCanceler(app.bus),
		storage.WithFatalHandler(func(err error) {
			select {
			case app.fatalCh <- err:
			default:
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	app.store = store

	saver := o.saver
	if saver == nil {
		saver, err = openSaver(cfg)
		if err != nil {
			return nil, err
		}
	}
	app.saver = checkpoint.NewProxy(saver, o.logger)

	app.registry = graph.NewRegistry(o.logger)
	for id, factory := range o.graphs {
		app.registry.Register(id, factory)
	}
	if err := app.seedAssistants(); err != nil {
		return nil, err
	}

	app.exec, err = executor.New(app.store, app.bus, app.saver, app.registry, o.logger, executor.Options{
		Workers:      cfg.Workers,
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: cfg.PollInterval,
		GracePeriod:  cfg.GracePeriod,
	})
	if err != nil {
		return nil, err
	}

	mcpSrv := mcp.New(app.store, app.saver, o.logger, o.version)

	app.srv = server.New(server.Config{
		Store:               app.store,
		Bus:                 app.bus,
		Saver:               app.saver,
		Graphs:              app.registry,
		Logger:              o.logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		Version:             o.version,
	})

	return app, nil
}

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Start launches the background loops (flusher, picker) without the HTTP
// listener. They stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.store.Start(ctx, a.cfg.FlushInterval)
	go a.exec.Start(ctx)
}

// Run starts the background loops and the HTTP server, then blocks until
// ctx is done or a fatal error occurs, shutting everything down
// gracefully. A clean shutdown includes the final persistence flush.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		var fatal error
		select {
		case <-gctx.Done():
		case fatal = <-a.fatalCh:
			fatal = fmt.Errorf("trellis: persistence failure: %w", fatal)
		}
		a.logger.Info("trellis shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return fatal
	})

	runErr := g.Wait()
	cancel()

	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close flushes persistence and releases the checkpoint backend.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = err
	}
	if err := a.saver.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// seedAssistants creates one assistant per registered graph under a
// deterministic id, so clients can address assistants by graph name.
func (a *App) seedAssistants() error {
	ctx := context.Background()
	for _, id := range a.registry.IDs() {
		assistantID := graph.AssistantIDFor(id)
		_, err := a.store.CreateAssistant(ctx, model.AssistantCreateRequest{
			AssistantID: &assistantID,
			GraphID:     id,
			Name:        id,
			Metadata:    map[string]any{"created_by": "system"},
			IfExists:    model.IfExistsDoNothing,
		})
		if err != nil {
			return fmt.Errorf("trellis: seed assistant for graph %q: %w", id, err)
		}
	}
	return nil
}

func openSaver(cfg config.Config) (checkpoint.Saver, error) {
	switch cfg.CheckpointBackend {
	case "postgres":
		return checkpoint.NewPostgresSaver(context.Background(), cfg.CheckpointDSN)
	case "memory":
		return checkpoint.NewMemorySaver(), nil
	default:
		return checkpoint.NewSqliteSaver(context.Background(), cfg.CheckpointPath)
	}
}
