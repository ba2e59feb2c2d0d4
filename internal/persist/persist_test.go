package persist

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// captureSink collects records, optionally stalling to simulate a slow store.
type captureSink struct {
	mu    sync.Mutex
	got   []types.TaskID
	stall chan struct{}
}

func (c *captureSink) Record(task *types.Task, _ *types.TaskResult) {
	if c.stall != nil {
		<-c.stall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, task.ID)
}

func (c *captureSink) recorded() []types.TaskID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TaskID, len(c.got))
	copy(out, c.got)
	return out
}

func testRecord() (*types.Task, *types.TaskResult) {
	task := &types.Task{ID: types.NewTaskID(), Type: "text.chat", State: types.TaskCompleted}
	return task, &types.TaskResult{TaskID: task.ID, Status: types.TaskCompleted}
}

func TestAsync_DeliversInOrder(t *testing.T) {
	capture := &captureSink{}
	sink := NewAsync(capture, 16)

	var want []types.TaskID
	for range 5 {
		task, result := testRecord()
		want = append(want, task.ID)
		sink.Record(task, result)
	}
	sink.Close()

	require.Equal(t, want, capture.recorded())
	require.Zero(t, sink.Dropped())
}

func TestAsync_NeverBlocksWhenDelegateStalls(t *testing.T) {
	capture := &captureSink{stall: make(chan struct{})}
	sink := NewAsync(capture, 2)

	// One record stalls inside the delegate, two fill the queue, the rest
	// must drop rather than block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 6 {
			task, result := testRecord()
			sink.Record(task, result)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled delegate")
	}
	require.Positive(t, sink.Dropped())

	close(capture.stall)
	sink.Close()
}

func TestAsync_CloseFlushesBacklog(t *testing.T) {
	capture := &captureSink{}
	sink := NewAsync(capture, 64)

	for range 10 {
		task, result := testRecord()
		sink.Record(task, result)
	}
	sink.Close()

	require.Len(t, capture.recorded(), 10)
}

func TestAsync_RecordAfterCloseIsNoOp(t *testing.T) {
	capture := &captureSink{}
	sink := NewAsync(capture, 4)
	sink.Close()

	task, result := testRecord()
	sink.Record(task, result)
	require.Empty(t, capture.recorded())

	// Closing again is safe.
	sink.Close()
}

func TestNop_DiscardsSilently(t *testing.T) {
	task, result := testRecord()
	NewNop().Record(task, result)
}
