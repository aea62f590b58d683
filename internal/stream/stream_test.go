package stream_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/stream"
	"github.com/trellis-ai/trellis/internal/testutil"
)

func TestQueue_FIFO(t *testing.T) {
	q := stream.NewQueue()
	for _, payload := range []string{"a", "b", "c"} {
		q.Push(stream.Message{Topic: "t", Data: []byte(payload)})
	}

	cancel := make(chan struct{})
	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Get(cancel, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, string(msg.Data))
	}
}

func TestQueue_GetTimesOut(t *testing.T) {
	q := stream.NewQueue()
	start := time.Now()
	_, err := q.Get(make(chan struct{}), 50*time.Millisecond)
	require.ErrorIs(t, err, stream.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueue_GetCancelled(t *testing.T) {
	q := stream.NewQueue()
	cancel := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(cancel)
	}()
	_, err := q.Get(cancel, time.Second)
	require.ErrorIs(t, err, stream.ErrCancelled)
}

func TestQueue_WakesBlockedGetter(t *testing.T) {
	q := stream.NewQueue()
	got := make(chan stream.Message, 1)
	go func() {
		msg, err := q.Get(make(chan struct{}), 5*time.Second)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(stream.Message{Topic: "t", Data: []byte("wake")})

	select {
	case msg := <-got:
		assert.Equal(t, "wake", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("getter was not woken")
	}
}

func TestQueue_ConcurrentGettersEachMessageOnce(t *testing.T) {
	q := stream.NewQueue()
	const n = 20

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := q.Get(make(chan struct{}), 200*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[string(msg.Data)]++
				mu.Unlock()
			}
		}()
	}

	for i := range n {
		q.Push(stream.Message{Topic: "t", Data: []byte{byte('a' + i)}})
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for payload, count := range seen {
		assert.Equal(t, 1, count, "message %q delivered more than once", payload)
	}
}

func TestCancellation_SingleShot(t *testing.T) {
	c := stream.NewCancellation()
	assert.False(t, c.Fired())
	assert.Empty(t, c.Reason())

	c.Fire(stream.ReasonRollback)
	c.Fire(stream.ReasonInterrupt) // second fire loses

	require.True(t, c.Fired())
	assert.Equal(t, stream.ReasonRollback, c.Reason())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestBus_LockUnlock(t *testing.T) {
	bus := stream.NewBus(testutil.TestLogger())
	runID := uuid.New()

	assert.False(t, bus.IsLocked(runID))
	first := bus.Lock(runID)
	require.True(t, bus.IsLocked(runID))

	// Double lock warns and replaces the handle; the old one still works.
	second := bus.Lock(runID)
	assert.NotSame(t, first, second)
	assert.Same(t, second, bus.Control(runID))

	bus.Unlock(runID)
	assert.False(t, bus.IsLocked(runID))
	assert.Nil(t, bus.Control(runID))
}

func TestBus_FireWithoutHandle(t *testing.T) {
	bus := stream.NewBus(testutil.TestLogger())
	runID := uuid.New()

	assert.False(t, bus.Fire(runID, stream.ReasonInterrupt))

	control := bus.Lock(runID)
	require.True(t, bus.Fire(runID, stream.ReasonInterrupt))
	assert.Equal(t, stream.ReasonInterrupt, control.Reason())
}

func TestBus_PublishAndControl(t *testing.T) {
	bus := stream.NewBus(testutil.TestLogger())
	runID := uuid.New()

	bus.Publish(runID, "values", map[string]any{"x": 1})
	bus.PublishControl(runID, stream.ControlDone)

	q := bus.Queue(runID)
	msg, err := q.Get(make(chan struct{}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, stream.RunTopic(runID, "values"), msg.Topic)
	assert.JSONEq(t, `{"x":1}`, string(msg.Data))

	msg, err = q.Get(make(chan struct{}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, stream.ControlTopic(runID), msg.Topic)
	assert.Equal(t, stream.ControlDone, string(msg.Data))
}
