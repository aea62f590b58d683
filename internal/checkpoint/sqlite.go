package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SqliteSaver stores checkpoints in an embedded SQLite database. It is the
// default backend: durable, zero-dependency, good enough for a
// single-process server.
type SqliteSaver struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS checkpoints_thread_idx
	ON checkpoints (thread_id, checkpoint_ns, created_at);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	task_id       TEXT NOT NULL,
	channel       TEXT NOT NULL,
	value         TEXT NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, idx)
);`

// NewSqliteSaver opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSqliteSaver(ctx context.Context, path string) (*SqliteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// The modernc driver is single-writer; serialize access through one
	// connection to avoid SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &SqliteSaver{db: db}, nil
}

type tuplePayload struct {
	Values   map[string]any `json:"values"`
	Next     []string       `json:"next,omitempty"`
	Tasks    []Task         `json:"tasks,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *SqliteSaver) GetTuple(ctx context.Context, threadID uuid.UUID, ns, checkpointID string) (*Tuple, error) {
	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
			 FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?
			 ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`,
			threadID.String(), ns)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
			 FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
			threadID.String(), ns, checkpointID)
	}
	t, err := scanTuple(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadWrites(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SqliteSaver) List(ctx context.Context, threadID uuid.UUID, ns string, opts ListOptions) ([]*Tuple, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
		 FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?
		 ORDER BY created_at DESC, checkpoint_id DESC`,
		threadID.String(), ns)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []*Tuple
	for rows.Next() {
		t, err := scanTuple(rows)
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

func (s *SqliteSaver) Put(ctx context.Context, t *Tuple) error {
	payload, err := json.Marshal(tuplePayload{Values: t.Values, Next: t.Next, Tasks: t.Tasks, Metadata: t.Metadata})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_id = excluded.parent_id, payload = excluded.payload`,
		t.ThreadID.String(), t.Namespace, t.CheckpointID, t.ParentID,
		string(payload), t.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("checkpoint: put: %w", err)
	}
	return nil
}

func (s *SqliteSaver) PutWrites(ctx context.Context, threadID uuid.UUID, ns, checkpointID string, writes []Write) error {
	var base int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), -1) + 1 FROM checkpoint_writes
		 WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
		threadID.String(), ns, checkpointID).Scan(&base)
	if err != nil {
		return fmt.Errorf("checkpoint: writes index: %w", err)
	}
	for i, w := range writes {
		value, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("checkpoint: marshal write: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, idx, task_id, channel, value)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			threadID.String(), ns, checkpointID, base+i, w.TaskID, w.Channel, string(value)); err != nil {
			return fmt.Errorf("checkpoint: put writes: %w", err)
		}
	}
	return nil
}

func (s *SqliteSaver) Delete(ctx context.Context, threadID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = ?`, threadID.String()); err != nil {
		return fmt.Errorf("checkpoint: delete writes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID.String()); err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

func (s *SqliteSaver) Copy(ctx context.Context, src, dst uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, payload, created_at)
		 SELECT ?, checkpoint_ns, checkpoint_id, parent_id, payload, created_at
		 FROM checkpoints WHERE thread_id = ?`,
		dst.String(), src.String())
	if err != nil {
		return fmt.Errorf("checkpoint: copy: %w", err)
	}
	return nil
}

func (s *SqliteSaver) Prune(ctx context.Context, threadID uuid.UUID, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	tuples, err := s.List(ctx, threadID, "", ListOptions{Metadata: metadata})
	if err != nil {
		return err
	}
	for _, t := range tuples {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
			threadID.String(), t.Namespace, t.CheckpointID); err != nil {
			return fmt.Errorf("checkpoint: prune: %w", err)
		}
	}
	return nil
}

func (s *SqliteSaver) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_writes`); err != nil {
		return fmt.Errorf("checkpoint: clear writes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}

func (s *SqliteSaver) Close() error { return s.db.Close() }

func (s *SqliteSaver) loadWrites(ctx context.Context, t *Tuple) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, channel, value FROM checkpoint_writes
		 WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY idx`,
		t.ThreadID.String(), t.Namespace, t.CheckpointID)
	if err != nil {
		return fmt.Errorf("checkpoint: load writes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var w Write
		var raw string
		if err := rows.Scan(&w.TaskID, &w.Channel, &raw); err != nil {
			return fmt.Errorf("checkpoint: scan write: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &w.Value); err != nil {
			return fmt.Errorf("checkpoint: decode write: %w", err)
		}
		t.Writes = append(t.Writes, w)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTuple(row rowScanner) (*Tuple, error) {
	var (
		threadID, ns, id, parent, payload, createdAt string
	)
	if err := row.Scan(&threadID, &ns, &id, &parent, &payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: scan: %w", err)
	}
	tid, err := uuid.Parse(threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: bad thread id %q: %w", threadID, err)
	}
	var p tuplePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("checkpoint: decode payload: %w", err)
	}
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: bad timestamp %q: %w", createdAt, err)
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
		CreatedAt:    ts,
	}, nil
}
