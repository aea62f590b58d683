package checkpoint_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/checkpoint"
	"github.com/trellis-ai/trellis/internal/testutil"
)

// TestPostgresSaver exercises the pgx-backed saver against a disposable
// container. Set TRELLIS_TEST_POSTGRES=1 to enable (requires Docker).
func TestPostgresSaver(t *testing.T) {
	if os.Getenv("TRELLIS_TEST_POSTGRES") == "" {
		t.Skip("set TRELLIS_TEST_POSTGRES=1 to run the postgres saver test")
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	s, err := checkpoint.NewPostgresSaver(ctx, tc.DSN)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	threadID := uuid.New()
	first := &checkpoint.Tuple{
		ThreadID:     threadID,
		CheckpointID: checkpoint.NewID(),
		Values:       map[string]any{"n": float64(1)},
		Metadata:     map[string]any{"run_id": "r1"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Put(ctx, first))

	second := &checkpoint.Tuple{
		ThreadID:     threadID,
		CheckpointID: checkpoint.NewID(),
		ParentID:     first.CheckpointID,
		Values:       map[string]any{"n": float64(2)},
		Next:         []string{"tool"},
		Metadata:     map[string]any{"run_id": "r2"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Put(ctx, second))

	latest, err := s.GetTuple(ctx, threadID, "", "")
	require.NoError(t, err)
	assert.Equal(t, second.CheckpointID, latest.CheckpointID)
	assert.Equal(t, []string{"tool"}, latest.Next)
	assert.Equal(t, first.CheckpointID, latest.ParentID)

	all, err := s.List(ctx, threadID, "", checkpoint.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.PutWrites(ctx, threadID, "", second.CheckpointID, []checkpoint.Write{
		{TaskID: "t1", Channel: "messages", Value: "hi"},
	}))
	got, err := s.GetTuple(ctx, threadID, "", second.CheckpointID)
	require.NoError(t, err)
	require.Len(t, got.Writes, 1)

	require.NoError(t, s.Prune(ctx, threadID, map[string]any{"run_id": "r2"}))
	left, err := s.List(ctx, threadID, "", checkpoint.ListOptions{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, first.CheckpointID, left[0].CheckpointID)

	dst := uuid.New()
	require.NoError(t, s.Copy(ctx, threadID, dst))
	copied, err := s.List(ctx, dst, "", checkpoint.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, copied, 1)

	require.NoError(t, s.Delete(ctx, threadID))
	_, err = s.GetTuple(ctx, threadID, "", "")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}
