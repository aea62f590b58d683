package checkpoint

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemorySaver keeps checkpoints in process memory. Used by tests and when
// the checkpoint backend is set to memory.
type MemorySaver struct {
	mu      sync.RWMutex
	tuples  map[uuid.UUID][]*Tuple // per thread, append order
	threads []uuid.UUID
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{tuples: make(map[uuid.UUID][]*Tuple)}
}

func (m *MemorySaver) GetTuple(_ context.Context, threadID uuid.UUID, ns, checkpointID string) (*Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.tuples[threadID]
	if checkpointID == "" {
		for i := len(ts) - 1; i >= 0; i-- {
			if ts[i].Namespace == ns {
				return cloneTuple(ts[i]), nil
			}
		}
		return nil, ErrNotFound
	}
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Namespace == ns && ts[i].CheckpointID == checkpointID {
			return cloneTuple(ts[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemorySaver) List(_ context.Context, threadID uuid.UUID, ns string, opts ListOptions) ([]*Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Tuple
	ts := m.tuples[threadID]
	for i := len(ts) - 1; i >= 0; i-- {
		t := ts[i]
		if t.Namespace != ns {
			continue
		}
		if opts.Before != "" && t.CheckpointID >= opts.Before {
			continue
		}
		if !containsSubset(t.Metadata, opts.Metadata) {
			continue
		}
		out = append(out, cloneTuple(t))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemorySaver) Put(_ context.Context, t *Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Replace an existing tuple with the same address.
	ts := m.tuples[t.ThreadID]
	for i, old := range ts {
		if old.Namespace == t.Namespace && old.CheckpointID == t.CheckpointID {
			ts[i] = cloneTuple(t)
			return nil
		}
	}
	m.tuples[t.ThreadID] = append(ts, cloneTuple(t))
	return nil
}

func (m *MemorySaver) PutWrites(_ context.Context, threadID uuid.UUID, ns, checkpointID string, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tuples[threadID] {
		if t.Namespace == ns && t.CheckpointID == checkpointID {
			t.Writes = append(t.Writes, writes...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemorySaver) Delete(_ context.Context, threadID uuid.UUID) error {
	m.mu.Lock()
	delete(m.tuples, threadID)
	m.mu.Unlock()
	return nil
}

func (m *MemorySaver) Copy(_ context.Context, src, dst uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var copied []*Tuple
	for _, t := range m.tuples[src] {
		c := cloneTuple(t)
		c.ThreadID = dst
		copied = append(copied, c)
	}
	m.tuples[dst] = copied
	return nil
}

func (m *MemorySaver) Prune(_ context.Context, threadID uuid.UUID, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.tuples[threadID]
	kept := ts[:0]
	for _, t := range ts {
		if len(metadata) > 0 && containsSubset(t.Metadata, metadata) {
			continue
		}
		kept = append(kept, t)
	}
	m.tuples[threadID] = kept
	return nil
}

func (m *MemorySaver) Clear(_ context.Context) error {
	m.mu.Lock()
	m.tuples = make(map[uuid.UUID][]*Tuple)
	m.mu.Unlock()
	return nil
}

func (m *MemorySaver) Close() error { return nil }

// Threads lists thread IDs with at least one checkpoint, sorted. Test helper.
func (m *MemorySaver) Threads() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.tuples))
	for id, ts := range m.tuples {
		if len(ts) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func cloneTuple(t *Tuple) *Tuple {
	c := *t
	if t.Values != nil {
		c.Values = make(map[string]any, len(t.Values))
		for k, v := range t.Values {
			c.Values[k] = v
		}
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Next = append([]string(nil), t.Next...)
	c.Tasks = append([]Task(nil), t.Tasks...)
	c.Writes = append([]Write(nil), t.Writes...)
	return &c
}

// containsSubset reports whether super contains every key of sub with a
// deeply equal value. Nested maps are matched recursively.
func containsSubset(super, sub map[string]any) bool {
	for k, want := range sub {
		got, ok := super[k]
		if !ok {
			return false
		}
		wantMap, wOK := want.(map[string]any)
		gotMap, gOK := got.(map[string]any)
		if wOK && gOK {
			if !containsSubset(gotMap, wantMap) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
