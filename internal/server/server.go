package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/cors"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/stream"
)

// Server is the Trellis HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds dependencies and settings for creating a Server.
// Optional (nil = disabled): MCPServer.
type Config struct {
	Store  *storage.Store
	Bus    *stream.Bus
	Saver  *checkpoint.Proxy
	Graphs *graph.Registry
	Logger *slog.Logger

	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	Version             string
}

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		store:    cfg.Store,
		bus:      cfg.Bus,
		saver:    cfg.Saver,
		graphs:   cfg.Graphs,
		logger:   cfg.Logger,
		maxBody:  cfg.MaxRequestBodyBytes,
		version:  cfg.Version,
		joinPoll: time.Second,
	}
	if h.maxBody <= 0 {
		h.maxBody = 1 << 20
	}

	mux := http.NewServeMux()

	// Assistants.
	mux.HandleFunc("POST /assistants", h.HandleCreateAssistant)
	mux.HandleFunc("POST /assistants/search", h.HandleSearchAssistants)
	mux.HandleFunc("GET /assistants/{assistant_id}", h.HandleGetAssistant)
	mux.HandleFunc("PATCH /assistants/{assistant_id}", h.HandlePatchAssistant)
	mux.HandleFunc("DELETE /assistants/{assistant_id}", h.HandleDeleteAssistant)
	mux.HandleFunc("GET /assistants/{assistant_id}/versions", h.HandleGetAssistantVersions)
	mux.HandleFunc("POST /assistants/{assistant_id}/latest", h.HandleSetLatestVersion)

	// Threads.
	mux.HandleFunc("POST /threads", h.HandleCreateThread)
	mux.HandleFunc("POST /threads/search", h.HandleSearchThreads)
	mux.HandleFunc("POST /threads/state/batch", h.HandleBatchState)
	mux.HandleFunc("GET /threads/{thread_id}", h.HandleGetThread)
	mux.HandleFunc("PATCH /threads/{thread_id}", h.HandlePatchThread)
	mux.HandleFunc("DELETE /threads/{thread_id}", h.HandleDeleteThread)
	mux.HandleFunc("POST /threads/{thread_id}/copy", h.HandleCopyThread)
	mux.HandleFunc("GET /threads/{thread_id}/state", h.HandleGetThreadState)
	mux.HandleFunc("POST /threads/{thread_id}/state", h.HandleUpdateThreadState)
	mux.HandleFunc("GET /threads/{thread_id}/state/{checkpoint_id}", h.HandleGetThreadStateAt)
	mux.HandleFunc("POST /threads/{thread_id}/state/checkpoint", h.HandleThreadStateAtCheckpoint)
	mux.HandleFunc("GET /threads/{thread_id}/history", h.HandleThreadHistory)
	mux.HandleFunc("POST /threads/{thread_id}/history", h.HandleThreadHistory)

	// Runs on a thread.
	mux.HandleFunc("POST /threads/{thread_id}/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs", h.HandleListRuns)
	mux.HandleFunc("POST /threads/{thread_id}/runs/stream", h.HandleCreateRunStream)
	mux.HandleFunc("POST /threads/{thread_id}/runs/wait", h.HandleCreateRunWait)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("DELETE /threads/{thread_id}/runs/{run_id}", h.HandleDeleteRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/stream", h.HandleJoinRunStream)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/join", h.HandleJoinRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/{run_id}/cancel", h.HandleCancelRun)

	// Stateless runs: a fresh thread per run.
	mux.HandleFunc("POST /runs", h.HandleCreateStatelessRun)
	mux.HandleFunc("POST /runs/stream", h.HandleCreateStatelessRunStream)
	mux.HandleFunc("POST /runs/wait", h.HandleCreateStatelessRunWait)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health.
	mux.HandleFunc("GET /ok", h.HandleHealth)

	corsMW := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Middleware chain (outermost executes first):
	// request ID → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMW.Handler(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
