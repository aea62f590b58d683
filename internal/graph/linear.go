package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/model"
)

// Interrupt is returned by a node to pause the graph and surface a
// payload to the client, resumable with a command.
type Interrupt struct {
	Value any
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("graph: interrupted: %v", i.Value)
}

// NodeFunc computes a node's contribution to the state. It receives the
// accumulated values, the run input (nil on later steps), and the resume
// payload when continuing from an interrupt.
type NodeFunc func(ctx context.Context, values map[string]any, input any, resume any) (map[string]any, error)

// Node is one step of a linear graph.
type Node struct {
	Name string
	Fn   NodeFunc
}

// Linear is a straight-line graph: nodes run in order, one checkpoint per
// step. It honors interrupt-before/after lists, dynamic interrupts, and
// command-based resume — enough surface to exercise the whole run engine.
type Linear struct {
	nodes []Node
	saver checkpoint.Saver
}

// NewLinear builds a factory for a linear graph over the given nodes.
func NewLinear(nodes []Node) Factory {
	return func(saver checkpoint.Saver) (Graph, error) {
		if len(nodes) == 0 {
			return nil, errors.New("graph: linear graph needs at least one node")
		}
		return &Linear{nodes: nodes, saver: saver}, nil
	}
}

const defaultRecursionLimit = 25

// Stream executes the graph, emitting one chunk per step per subscribed
// stream mode and writing one checkpoint per step.
func (g *Linear) Stream(ctx context.Context, in Input, cfg Config, emit func(Chunk)) error {
	base, err := g.latest(ctx, cfg)
	if err != nil {
		return err
	}

	values := map[string]any{}
	step := 0
	parentID := ""
	start := 0
	var resume any

	if base != nil {
		values = cloneValues(base.Values)
		parentID = base.CheckpointID
		if s, ok := base.Metadata["step"].(float64); ok {
			step = int(s)
		} else if s, ok := base.Metadata["step"].(int); ok {
			step = s
		}
		if len(base.Next) > 0 {
			start = g.nodeIndex(base.Next[0])
			if start < 0 {
				return fmt.Errorf("graph: unknown next node %q", base.Next[0])
			}
		} else if in.Command == nil {
			// Fresh input on a finished thread starts a new pass.
			start = 0
		} else {
			start = len(g.nodes)
		}
	}
	if in.Command != nil {
		resume = in.Command.Resume
		for k, v := range in.Command.Update {
			values[k] = v
		}
		if in.Command.Goto != "" {
			idx := g.nodeIndex(in.Command.Goto)
			if idx < 0 {
				return fmt.Errorf("graph: unknown goto node %q", in.Command.Goto)
			}
			start = idx
		}
	} else if m, ok := in.Values.(map[string]any); ok {
		for k, v := range m {
			values[k] = v
		}
	} else if in.Values != nil {
		values["input"] = in.Values
	}

	limit := cfg.RecursionLimit
	if limit <= 0 {
		limit = defaultRecursionLimit
	}

	resuming := in.Command != nil
	input := in.Values
	for i := start; i < len(g.nodes); i++ {
		node := g.nodes[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if step >= limit {
			return fmt.Errorf("graph: recursion limit %d reached", limit)
		}

		if contains(cfg.InterruptBefore, node.Name) && !(resuming && i == start) {
			return g.pause(ctx, cfg, values, parentID, step, node.Name, nil)
		}

		if err := g.stepDelay(ctx, cfg); err != nil {
			return err
		}

		out, err := node.Fn(ctx, values, input, resume)
		var intr *Interrupt
		if errors.As(err, &intr) {
			return g.pause(ctx, cfg, values, parentID, step, node.Name, []any{intr.Value})
		}
		if err != nil {
			return fmt.Errorf("graph: node %s: %w", node.Name, err)
		}
		resume = nil
		input = nil
		resuming = false
		if out != nil {
			values = out
		}
		step++

		var next []string
		if i+1 < len(g.nodes) {
			next = []string{g.nodes[i+1].Name}
		}
		tuple := &checkpoint.Tuple{
			ThreadID:     cfg.ThreadID,
			Namespace:    cfg.CheckpointNS,
			CheckpointID: checkpoint.NewID(),
			ParentID:     parentID,
			Values:       cloneValues(values),
			Next:         next,
			Metadata:     g.stepMetadata(cfg, "loop", step),
			CreatedAt:    time.Now().UTC(),
		}
		if err := g.saver.Put(ctx, tuple); err != nil {
			return err
		}
		parentID = tuple.CheckpointID

		g.emitModes(cfg, emit, node.Name, values)

		if contains(cfg.InterruptAfter, node.Name) && i+1 < len(g.nodes) {
			return nil
		}
	}
	return nil
}

// Invoke runs the graph to completion and returns the final values.
func (g *Linear) Invoke(ctx context.Context, in Input, cfg Config) (map[string]any, error) {
	var last map[string]any
	err := g.Stream(ctx, in, cfg, func(c Chunk) {
		if c.Mode == "values" {
			if m, ok := c.Data.(map[string]any); ok {
				last = m
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// GetState returns the snapshot at cfg.CheckpointID, or the latest.
func (g *Linear) GetState(ctx context.Context, cfg Config) (*Snapshot, error) {
	t, err := g.saver.GetTuple(ctx, cfg.ThreadID, cfg.CheckpointNS, cfg.CheckpointID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &Snapshot{Values: map[string]any{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshotFromTuple(t), nil
}

// UpdateState writes a new checkpoint with the given values applied, as
// if asNode had produced them.
func (g *Linear) UpdateState(ctx context.Context, cfg Config, values any, asNode string) (string, error) {
	return g.applyUpdate(ctx, cfg, []model.StateUpdate{{Values: values, AsNode: asNode}})
}

// BulkUpdateState applies each superstep as one checkpoint.
func (g *Linear) BulkUpdateState(ctx context.Context, cfg Config, supersteps []model.Superstep) (string, error) {
	var last string
	for _, ss := range supersteps {
		id, err := g.applyUpdate(ctx, cfg, ss.Updates)
		if err != nil {
			return "", err
		}
		cfg.CheckpointID = "" // subsequent steps chain onto the new latest
		last = id
	}
	return last, nil
}

// StateHistory lists snapshots, newest first.
func (g *Linear) StateHistory(ctx context.Context, cfg Config, limit int, before string, metadata map[string]any) ([]*Snapshot, error) {
	tuples, err := g.saver.List(ctx, cfg.ThreadID, cfg.CheckpointNS, checkpoint.ListOptions{
		Limit:    limit,
		Before:   before,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, snapshotFromTuple(t))
	}
	return out, nil
}

func (g *Linear) applyUpdate(ctx context.Context, cfg Config, updates []model.StateUpdate) (string, error) {
	base, err := g.saver.GetTuple(ctx, cfg.ThreadID, cfg.CheckpointNS, cfg.CheckpointID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return "", err
	}

	values := map[string]any{}
	parentID := ""
	step := 0
	var next []string
	if base != nil {
		values = cloneValues(base.Values)
		parentID = base.CheckpointID
		next = base.Next
		if s, ok := base.Metadata["step"].(float64); ok {
			step = int(s)
		} else if s, ok := base.Metadata["step"].(int); ok {
			step = s
		}
	}

	asNode := ""
	for _, u := range updates {
		switch v := u.Values.(type) {
		case nil:
		case map[string]any:
			for k, val := range v {
				values[k] = val
			}
		default:
			values["input"] = v
		}
		if u.AsNode != "" {
			asNode = u.AsNode
		}
	}
	// An update attributed to a node advances Next past that node.
	if asNode != "" {
		if idx := g.nodeIndex(asNode); idx >= 0 {
			if idx+1 < len(g.nodes) {
				next = []string{g.nodes[idx+1].Name}
			} else {
				next = nil
			}
		}
	}

	tuple := &checkpoint.Tuple{
		ThreadID:     cfg.ThreadID,
		Namespace:    cfg.CheckpointNS,
		CheckpointID: checkpoint.NewID(),
		ParentID:     parentID,
		Values:       cloneValues(values),
		Next:         next,
		Metadata:     g.stepMetadata(cfg, "update", step+1),
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.saver.Put(ctx, tuple); err != nil {
		return "", err
	}
	return tuple.CheckpointID, nil
}

func (g *Linear) pause(ctx context.Context, cfg Config, values map[string]any, parentID string, step int, nodeName string, interrupts []any) error {
	task := checkpoint.Task{ID: uuid.NewString(), Name: nodeName, Interrupts: interrupts}
	tuple := &checkpoint.Tuple{
		ThreadID:     cfg.ThreadID,
		Namespace:    cfg.CheckpointNS,
		CheckpointID: checkpoint.NewID(),
		ParentID:     parentID,
		Values:       cloneValues(values),
		Next:         []string{nodeName},
		Tasks:        []checkpoint.Task{task},
		Metadata:     g.stepMetadata(cfg, "interrupt", step),
		CreatedAt:    time.Now().UTC(),
	}
	return g.saver.Put(ctx, tuple)
}

func (g *Linear) latest(ctx context.Context, cfg Config) (*checkpoint.Tuple, error) {
	t, err := g.saver.GetTuple(ctx, cfg.ThreadID, cfg.CheckpointNS, cfg.CheckpointID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (g *Linear) emitModes(cfg Config, emit func(Chunk), nodeName string, values map[string]any) {
	modes := cfg.StreamModes
	if len(modes) == 0 {
		modes = []string{"values"}
	}
	for _, mode := range modes {
		switch mode {
		case "values":
			emit(Chunk{Mode: "values", Data: cloneValues(values)})
		case "updates":
			emit(Chunk{Mode: "updates", Data: map[string]any{nodeName: cloneValues(values)}})
		case "debug":
			emit(Chunk{Mode: "debug", Data: map[string]any{"type": "task_result", "node": nodeName}})
		}
	}
}

func (g *Linear) stepMetadata(cfg Config, source string, step int) map[string]any {
	md := map[string]any{"source": source, "step": step}
	if cfg.Configurable != nil {
		if runID, ok := cfg.Configurable["run_id"]; ok {
			md["run_id"] = runID
		}
	}
	return md
}

func (g *Linear) stepDelay(ctx context.Context, cfg Config) error {
	delay, ok := cfg.Configurable["step_delay_ms"].(float64)
	if !ok || delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delay) * time.Millisecond):
		return nil
	}
}

func (g *Linear) nodeIndex(name string) int {
	for i, n := range g.nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func snapshotFromTuple(t *checkpoint.Tuple) *Snapshot {
	return &Snapshot{
		Values:             t.Values,
		Next:               t.Next,
		Tasks:              t.Tasks,
		Metadata:           t.Metadata,
		CreatedAt:          t.CreatedAt,
		CheckpointNS:       t.Namespace,
		CheckpointID:       t.CheckpointID,
		ParentCheckpointID: t.ParentID,
	}
}
