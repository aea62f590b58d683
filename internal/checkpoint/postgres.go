package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSaver stores checkpoints in Postgres through a pgx pool. Meant
// for deployments where the checkpoint volume outgrows the embedded store.
type PostgresSaver struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     UUID NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS checkpoints_thread_idx
	ON checkpoints (thread_id, checkpoint_ns, created_at DESC);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     UUID NOT NULL,
	checkpoint_ns TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	idx           INT NOT NULL,
	task_id       TEXT NOT NULL,
	channel       TEXT NOT NULL,
	value         JSONB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, idx)
);`

// NewPostgresSaver connects to dsn, pings, and ensures the schema.
func NewPostgresSaver(ctx context.Context, dsn string) (*PostgresSaver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &PostgresSaver{pool: pool}, nil
}

func (s *PostgresSaver) GetTuple(ctx context.Context, threadID uuid.UUID, ns, checkpointID string) (*Tuple, error) {
	var row pgx.Row
	if checkpointID == "" {
		row = s.pool.QueryRow(ctx,
			`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
			 FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2
			 ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`,
			threadID, ns)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
			 FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3`,
			threadID, ns, checkpointID)
	}
	t, err := scanPgTuple(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadWrites(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresSaver) List(ctx context.Context, threadID uuid.UUID, ns string, opts ListOptions) ([]*Tuple, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
		 FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2
		 ORDER BY created_at DESC, checkpoint_id DESC`,
		threadID, ns)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []*Tuple
	for rows.Next() {
		t, err := scanPgTuple(rows)
		if err != nil {
			return nil, err
		}
		if opts.Before != "" && t.CheckpointID >= opts.Before {
			continue
		}
		if !containsSubset(t.Metadata, opts.Metadata) {
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *PostgresSaver) Put(ctx context.Context, t *Tuple) error {
	payload, err := json.Marshal(tuplePayload{Values: t.Values, Next: t.Next, Tasks: t.Tasks, Metadata: t.Metadata})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id, payload = EXCLUDED.payload`,
		t.ThreadID, t.Namespace, t.CheckpointID, t.ParentID, payload, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("checkpoint: put: %w", err)
	}
	return nil
}

func (s *PostgresSaver) PutWrites(ctx context.Context, threadID uuid.UUID, ns, checkpointID string, writes []Write) error {
	var base int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(idx), -1) + 1 FROM checkpoint_writes
		 WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3`,
		threadID, ns, checkpointID).Scan(&base)
	if err != nil {
		return fmt.Errorf("checkpoint: writes index: %w", err)
	}
	for i, w := range writes {
		value, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("checkpoint: marshal write: %w", err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, idx, task_id, channel, value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			threadID, ns, checkpointID, base+i, w.TaskID, w.Channel, value); err != nil {
			return fmt.Errorf("checkpoint: put writes: %w", err)
		}
	}
	return nil
}

func (s *PostgresSaver) Delete(ctx context.Context, threadID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("checkpoint: delete writes: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

func (s *PostgresSaver) Copy(ctx context.Context, src, dst uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at)
		 SELECT $1, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
		 FROM checkpoints WHERE thread_id = $2`,
		dst, src)
	if err != nil {
		return fmt.Errorf("checkpoint: copy: %w", err)
	}
	return nil
}

func (s *PostgresSaver) Prune(ctx context.Context, threadID uuid.UUID, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	tuples, err := s.List(ctx, threadID, "", ListOptions{Metadata: metadata})
	if err != nil {
		return err
	}
	for _, t := range tuples {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3`,
			threadID, t.Namespace, t.CheckpointID); err != nil {
			return fmt.Errorf("checkpoint: prune: %w", err)
		}
	}
	return nil
}

func (s *PostgresSaver) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE checkpoint_writes, checkpoints`); err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}

func (s *PostgresSaver) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSaver) loadWrites(ctx context.Context, t *Tuple) error {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, channel, value FROM checkpoint_writes
		 WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3 ORDER BY idx`,
		t.ThreadID, t.Namespace, t.CheckpointID)
	if err != nil {
		return fmt.Errorf("checkpoint: load writes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var w Write
		var raw []byte
		if err := rows.Scan(&w.TaskID, &w.Channel, &raw); err != nil {
			return fmt.Errorf("checkpoint: scan write: %w", err)
		}
		if err := json.Unmarshal(raw, &w.Value); err != nil {
			return fmt.Errorf("checkpoint: decode write: %w", err)
		}
		t.Writes = append(t.Writes, w)
	}
	return rows.Err()
}

func scanPgTuple(row pgx.Row) (*Tuple, error) {
	var (
		tid       uuid.UUID
		ns, id    string
		parent    string
		payload   []byte
		createdAt time.Time
	)
	if err := row.Scan(&tid, &ns, &id, &parent, &payload, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: scan: %w", err)
	}
	var p tuplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("checkpoint: decode payload: %w", err)
	}
	return &Tuple{
		ThreadID:     tid,
		Namespace:    ns,
		CheckpointID: id,
		ParentID:     parent,
		Values:       p.Values,
		Next:         p.Next,
		Tasks:        p.Tasks,
		Metadata:     p.Metadata,
		CreatedAt:    createdAt,
	}, nil
}
