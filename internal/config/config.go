// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Persistence settings.
	StatePath     string        // Aggregate document path.
	FlushInterval time.Duration // Background flusher cadence.

	// Checkpoint backend: "sqlite" (default), "postgres", or "memory".
	CheckpointBackend string
	CheckpointPath    string // SQLite database path.
	CheckpointDSN     string // Postgres DSN.

	// Executor settings.
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	GracePeriod  time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TRELLIS_PORT", 2024),
		ReadTimeout:         envDuration("TRELLIS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("TRELLIS_WRITE_TIMEOUT", 30*time.Second),
		StatePath:           envStr("TRELLIS_STATE_PATH", "./.trellis_ops.json"),
		FlushInterval:       envDuration("TRELLIS_FLUSH_INTERVAL", 5*time.Second),
		CheckpointBackend:   envStr("TRELLIS_CHECKPOINT_BACKEND", "sqlite"),
		CheckpointPath:      envStr("TRELLIS_CHECKPOINT_PATH", "./.trellis_checkpoints.db"),
		CheckpointDSN:       envStr("TRELLIS_CHECKPOINT_DSN", ""),
		Workers:             envInt("TRELLIS_WORKERS", 10),
		MaxAttempts:         envInt("TRELLIS_MAX_ATTEMPTS", 3),
		PollInterval:        envDuration("TRELLIS_POLL_INTERVAL", 500*time.Millisecond),
		GracePeriod:         envDuration("TRELLIS_GRACE_PERIOD", 30*time.Second),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "trellis"),
		LogLevel:            envStr("TRELLIS_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("TRELLIS_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}
	if origins := envStr("TRELLIS_CORS_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.CORSAllowedOrigins = splitCommas(origins)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("config: TRELLIS_STATE_PATH is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TRELLIS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.CheckpointBackend {
	case "sqlite":
		if c.CheckpointPath == "" {
			return fmt.Errorf("config: TRELLIS_CHECKPOINT_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.CheckpointDSN == "" {
			return fmt.Errorf("config: TRELLIS_CHECKPOINT_DSN is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown checkpoint backend %q", c.CheckpointBackend)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitCommas(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
