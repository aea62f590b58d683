// Package model defines the core domain types for Trellis.
//
// Assistants, threads, and runs are the three aggregates of the control
// plane. Types use strong typing (UUIDs, time.Time, enums) and keep
// graph-owned payloads as opaque maps.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Config is the execution configuration carried by assistants, threads,
// and runs. Configurable is the free-form sub-mapping handed to the graph.
type Config struct {
	Tags           []string       `json:"tags,omitempty"`
	RecursionLimit int            `json:"recursion_limit,omitempty"`
	Configurable   map[string]any `json:"configurable,omitempty"`
}

// Clone returns a copy that shares no mutable state with c.
func (c Config) Clone() Config {
	out := Config{RecursionLimit: c.RecursionLimit}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Configurable != nil {
		out.Configurable = make(map[string]any, len(c.Configurable))
		for k, v := range c.Configurable {
			out.Configurable[k] = v
		}
	}
	return out
}

// MergeConfigs layers each config over the ones before it. Tags are
// unioned, recursion limit takes the last non-zero value, and configurable
// mappings merge key-wise with the later config winning on conflicts.
func MergeConfigs(configs ...Config) Config {
	out := Config{}
	seen := map[string]bool{}
	for _, c := range configs {
		for _, t := range c.Tags {
			if !seen[t] {
				seen[t] = true
				out.Tags = append(out.Tags, t)
			}
		}
		if c.RecursionLimit != 0 {
			out.RecursionLimit = c.RecursionLimit
		}
		if len(c.Configurable) > 0 {
			if out.Configurable == nil {
				out.Configurable = map[string]any{}
			}
			for k, v := range c.Configurable {
				out.Configurable[k] = v
			}
		}
	}
	return out
}

// Assistant is a named, versioned binding of a graph to a default
// configuration. The live record always mirrors one of its versions.
type Assistant struct {
	AssistantID uuid.UUID      `json:"assistant_id"`
	GraphID     string         `json:"graph_id"`
	Version     int            `json:"version"`
	Config      Config         `json:"config"`
	Metadata    map[string]any `json:"metadata"`
	Name        string         `json:"name"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AssistantVersion is an immutable snapshot of an assistant at one version.
// A new record is appended on every mutating patch.
type AssistantVersion struct {
	AssistantID uuid.UUID      `json:"assistant_id"`
	Version     int            `json:"version"`
	GraphID     string         `json:"graph_id"`
	Config      Config         `json:"config"`
	Metadata    map[string]any `json:"metadata"`
	Name        string         `json:"name"`
	CreatedAt   time.Time      `json:"created_at"`
}
