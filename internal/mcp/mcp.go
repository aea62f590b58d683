// Package mcp implements the Model Context Protocol surface for Trellis.
//
// It exposes read-only query tools over the control plane so
// MCP-compatible agents can inspect assistants, threads, and runs without
// going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// Server wraps the MCP server with Trellis's store and checkpointer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     *storage.Store
	saver     *checkpoint.Proxy
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools registered.
func New(store *storage.Store, saver *checkpoint.Proxy, logger *slog.Logger, version string) *Server {
	s := &Server{store: store, saver: saver, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"trellis",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("trellis_search_assistants",
			mcplib.WithDescription("List assistants, newest first, optionally filtered by graph id."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("graph_id",
				mcplib.Description("Only assistants bound to this graph"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of assistants to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearchAssistants,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("trellis_search_threads",
			mcplib.WithDescription("List threads, newest first, optionally filtered by status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("status",
				mcplib.Description("Filter by thread status: idle, busy, interrupted, or error"),
			),
			mcplib.WithNumber("limit",
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearchThreads,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("trellis_search_runs",
			mcplib.WithDescription("List runs on a thread, newest first, optionally filtered by status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("thread_id",
				mcplib.Description("The thread whose runs to list"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("Filter by run status: pending, running, error, success, timeout, or interrupted"),
			),
			mcplib.WithNumber("limit",
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearchRuns,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("trellis_get_thread_state",
			mcplib.WithDescription("Fetch the latest checkpointed state of a thread: values, pending nodes, and interrupts."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("thread_id",
				mcplib.Required(),
			),
		),
		s.handleGetThreadState,
	)
}

func (s *Server) handleSearchAssistants(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	assistants, err := s.store.SearchAssistants(ctx, model.AssistantSearchRequest{
		GraphID: request.GetString("graph_id", ""),
		Limit:   request.GetInt("limit", 10),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"assistants": assistants})
}

func (s *Server) handleSearchThreads(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threads, err := s.store.SearchThreads(ctx, model.ThreadSearchRequest{
		Status: model.ThreadStatus(request.GetString("status", "")),
		Limit:  request.GetInt("limit", 10),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"threads": threads})
}

func (s *Server) handleSearchRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a UUID"), nil
	}
	runs, err := s.store.SearchRuns(ctx, storage.RunSearchRequest{
		ThreadID: threadID,
		Status:   model.RunStatus(request.GetString("status", "")),
		Limit:    request.GetInt("limit", 10),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"runs": runs})
}

func (s *Server) handleGetThreadState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a UUID"), nil
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("thread lookup failed: %v", err)), nil
	}
	tuple, err := s.saver.GetTuple(ctx, threadID, "", "")
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return errorResult(fmt.Sprintf("checkpoint lookup failed: %v", err)), nil
	}
	out := map[string]any{
		"thread_id": threadID,
		"status":    thread.Status,
		"values":    thread.Values,
	}
	if tuple != nil {
		out["checkpoint_id"] = tuple.CheckpointID
		out["next"] = tuple.Next
		out["tasks"] = tuple.Tasks
	}
	return jsonResult(out)
}

func jsonResult(data any) (*mcplib.CallToolResult, error) {
	text, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(text)},
		},
	}, nil
}

func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: message},
		},
	}
}
