package checkpoint_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/checkpoint"
)

// savers builds each backend worth running in-process.
func savers(t *testing.T) map[string]checkpoint.Saver {
	t.Helper()
	sqlite, err := checkpoint.NewSqliteSaver(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]checkpoint.Saver{
		"memory": checkpoint.NewMemorySaver(),
		"sqlite": sqlite,
	}
}

func putTuple(t *testing.T, s checkpoint.Saver, threadID uuid.UUID, values map[string]any, metadata map[string]any) *checkpoint.Tuple {
	t.Helper()
	tuple := &checkpoint.Tuple{
		ThreadID:     threadID,
		CheckpointID: checkpoint.NewID(),
		Values:       values,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Put(context.Background(), tuple))
	return tuple
}

func TestSaver_LatestAndByID(t *testing.T) {
	for name, s := range savers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			threadID := uuid.New()

			first := putTuple(t, s, threadID, map[string]any{"n": 1}, nil)
			second := putTuple(t, s, threadID, map[string]any{"n": 2}, nil)

			latest, err := s.GetTuple(ctx, threadID, "", "")
			require.NoError(t, err)
			assert.Equal(t, second.CheckpointID, latest.CheckpointID)

			byID, err := s.GetTuple(ctx, threadID, "", first.CheckpointID)
			require.NoError(t, err)
			assert.EqualValues(t, 1, asInt(byID.Values["n"]))

			_, err = s.GetTuple(ctx, threadID, "", "missing")
			require.ErrorIs(t, err, checkpoint.ErrNotFound)

			_, err = s.GetTuple(ctx, uuid.New(), "", "")
			require.ErrorIs(t, err, checkpoint.ErrNotFound)
		})
	}
}

func TestSaver_ListNewestFirstWithLimitAndBefore(t *testing.T) {
	for name, s := range savers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			threadID := uuid.New()

			var ids []string
			for i := range 5 {
				tuple := putTuple(t, s, threadID, map[string]any{"n": i}, nil)
				ids = append(ids, tuple.CheckpointID)
			}

			all, err := s.List(ctx, threadID, "", checkpoint.ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, ids[4], all[0].CheckpointID, "newest first")

			limited, err := s.List(ctx, threadID, "", checkpoint.ListOptions{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			before, err := s.List(ctx, threadID, "", checkpoint.ListOptions{Before: ids[2]})
			require.NoError(t, err)
			require.Len(t, before, 2)
			assert.Equal(t, ids[1], before[0].CheckpointID)
		})
	}
}

func TestSaver_MetadataFilterAndPrune(t *testing.T) {
	for name, s := range savers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			threadID := uuid.New()
			runA := uuid.NewString()
			runB := uuid.NewString()

			putTuple(t, s, threadID, map[string]any{"n": 1}, map[string]any{"run_id": runA})
			putTuple(t, s, threadID, map[string]any{"n": 2}, map[string]any{"run_id": runB})
			putTuple(t, s, threadID, map[string]any{"n": 3}, map[string]any{"run_id": runB})

			only, err := s.List(ctx, threadID, "", checkpoint.ListOptions{Metadata: map[string]any{"run_id": runB}})
			require.NoError(t, err)
			assert.Len(t, only, 2)

			require.NoError(t, s.Prune(ctx, threadID, map[string]any{"run_id": runB}))
			left, err := s.List(ctx, threadID, "", checkpoint.ListOptions{})
			require.NoError(t, err)
			require.Len(t, left, 1)
			assert.Equal(t, runA, fmt.Sprint(left[0].Metadata["run_id"]))
		})
	}
}

func TestSaver_CopyAndDelete(t *testing.T) {
	for name, s := range savers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := uuid.New()
			dst := uuid.New()

			putTuple(t, s, src, map[string]any{"n": 1}, nil)
			putTuple(t, s, src, map[string]any{"n": 2}, nil)

			require.NoError(t, s.Copy(ctx, src, dst))
			copied, err := s.List(ctx, dst, "", checkpoint.ListOptions{})
			require.NoError(t, err)
			assert.Len(t, copied, 2)
			assert.Equal(t, dst, copied[0].ThreadID)

			require.NoError(t, s.Delete(ctx, src))
			_, err = s.GetTuple(ctx, src, "", "")
			require.ErrorIs(t, err, checkpoint.ErrNotFound)

			// The copy is unaffected.
			still, err := s.List(ctx, dst, "", checkpoint.ListOptions{})
			require.NoError(t, err)
			assert.Len(t, still, 2)
		})
	}
}

func TestSaver_Writes(t *testing.T) {
	for name, s := range savers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			threadID := uuid.New()
			tuple := putTuple(t, s, threadID, map[string]any{"n": 1}, nil)

			writes := []checkpoint.Write{
				{TaskID: "t1", Channel: "messages", Value: "hello"},
				{TaskID: "t1", Channel: "messages", Value: "world"},
			}
			require.NoError(t, s.PutWrites(ctx, threadID, "", tuple.CheckpointID, writes))

			got, err := s.GetTuple(ctx, threadID, "", tuple.CheckpointID)
			require.NoError(t, err)
			require.Len(t, got.Writes, 2)
			assert.Equal(t, "hello", got.Writes[0].Value)
			assert.Equal(t, "world", got.Writes[1].Value)
		})
	}
}

func TestNewID_Sortable(t *testing.T) {
	a := checkpoint.NewID()
	time.Sleep(time.Millisecond)
	b := checkpoint.NewID()
	assert.Less(t, a, b)
}

// asInt normalizes numbers that round-trip through JSON as float64.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return -1
	}
}
