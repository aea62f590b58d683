package checkpoint

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Proxy is the facade the rest of the core talks to. It delegates every
// call to the injected saver and never inspects payloads.
type Proxy struct {
	saver  Saver
	logger *slog.Logger
}

// NewProxy wraps a saver.
func NewProxy(saver Saver, logger *slog.Logger) *Proxy {
	return &Proxy{saver: saver, logger: logger}
}

// Saver exposes the wrapped implementation, for wiring into graphs.
func (p *Proxy) Saver() Saver { return p.saver }

func (p *Proxy) GetTuple(ctx context.Context, threadID uuid.UUID, ns, checkpointID string) (*Tuple, error) {
	return p.saver.GetTuple(ctx, threadID, ns, checkpointID)
}

func (p *Proxy) List(ctx context.Context, threadID uuid.UUID, ns string, opts ListOptions) ([]*Tuple, error) {
	return p.saver.List(ctx, threadID, ns, opts)
}

func (p *Proxy) Put(ctx context.Context, t *Tuple) error {
	p.logger.Debug("checkpoint: put", "thread_id", t.ThreadID, "checkpoint_id", t.CheckpointID)
	return p.saver.Put(ctx, t)
}

func (p *Proxy) PutWrites(ctx context.Context, threadID uuid.UUID, ns, checkpointID string, writes []Write) error {
	return p.saver.PutWrites(ctx, threadID, ns, checkpointID, writes)
}

func (p *Proxy) Delete(ctx context.Context, threadID uuid.UUID) error {
	p.logger.Debug("checkpoint: delete thread", "thread_id", threadID)
	return p.saver.Delete(ctx, threadID)
}

func (p *Proxy) Copy(ctx context.Context, src, dst uuid.UUID) error {
	return p.saver.Copy(ctx, src, dst)
}

func (p *Proxy) Prune(ctx context.Context, threadID uuid.UUID, metadata map[string]any) error {
	return p.saver.Prune(ctx, threadID, metadata)
}

func (p *Proxy) Clear(ctx context.Context) error {
	return p.saver.Clear(ctx)
}

func (p *Proxy) Close() error {
	return p.saver.Close()
}
