package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	trellis "github.com/trellis-ai/trellis"
	"github.com/trellis-ai/trellis/internal/config"
	"github.com/trellis-ai/trellis/internal/graph"
	"github.com/trellis-ai/trellis/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRELLIS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("trellis starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	app, err := trellis.New(
		trellis.WithConfig(cfg),
		trellis.WithLogger(logger),
		trellis.WithVersion(version),
		trellis.WithGraph("agent", echoAgentGraph()),
	)
	if err != nil {
		return err
	}

	if err := app.Run(ctx); err != nil {
		return err
	}
	slog.Info("trellis stopped")
	return nil
}

// echoAgentGraph is the demo graph shipped with the server: it echoes the
// conversation input back as an assistant message. Real deployments
// register their own graphs through the embedding API.
func echoAgentGraph() graph.Factory {
	return graph.NewLinear([]graph.Node{
		{Name: "agent", Fn: func(_ context.Context, values map[string]any, input any, resume any) (map[string]any, error) {
			messages, _ := values["messages"].([]any)
			if in, ok := input.(map[string]any); ok {
				if ms, ok := in["messages"].([]any); ok {
					messages = append(messages, ms...)
				}
			}
			if resume != nil {
				messages = append(messages, map[string]any{"role": "user", "content": resume})
			}
			reply := map[string]any{"role": "assistant", "content": fmt.Sprintf("echo: %d message(s)", len(messages))}
			values["messages"] = append(messages, reply)
			return values, nil
		}},
	})
}
