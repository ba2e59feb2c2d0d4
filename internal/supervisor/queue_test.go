package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

func queuedEnv(priority types.Priority, deadline time.Time) bus.Envelope {
	task := &types.Task{
		ID:        types.NewTaskID(),
		Type:      "text.chat",
		Priority:  priority,
		Deadline:  deadline,
		State:     types.TaskPending,
		CreatedAt: time.Now(),
	}
	return bus.NewTaskRequest("root", "sup-1", task)
}

func TestAdmissionQueue_PopsPriorityThenFIFO(t *testing.T) {
	q := newAdmissionQueue(8)

	first := queuedEnv(5, time.Time{})
	second := queuedEnv(5, time.Time{})
	urgent := queuedEnv(9, time.Time{})
	third := queuedEnv(5, time.Time{})

	for _, env := range []bus.Envelope{first, second, urgent, third} {
		require.NoError(t, q.Push(env))
	}

	want := []types.TaskID{urgent.Task.ID, first.Task.ID, second.Task.ID, third.Task.ID}
	for _, id := range want {
		env, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, id, env.Task.ID)
	}

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestAdmissionQueue_PushRejectsWhenFull(t *testing.T) {
	q := newAdmissionQueue(2)

	require.NoError(t, q.Push(queuedEnv(5, time.Time{})))
	require.NoError(t, q.Push(queuedEnv(5, time.Time{})))
	require.ErrorIs(t, q.Push(queuedEnv(9, time.Time{})), ErrQueueFull)
	require.Equal(t, 2, q.Len())
}

func TestAdmissionQueue_RemoveDropsQueuedTask(t *testing.T) {
	q := newAdmissionQueue(8)

	first := queuedEnv(5, time.Time{})
	second := queuedEnv(5, time.Time{})
	third := queuedEnv(5, time.Time{})
	for _, env := range []bus.Envelope{first, second, third} {
		require.NoError(t, q.Push(env))
	}

	removed, ok := q.Remove(second.Task.ID)
	require.True(t, ok)
	require.Equal(t, second.Task.ID, removed.Task.ID)
	require.Equal(t, 2, q.Len())

	_, ok = q.Remove(second.Task.ID)
	require.False(t, ok)

	env, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, first.Task.ID, env.Task.ID)
	env, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, third.Task.ID, env.Task.ID)
}

func TestAdmissionQueue_ExpireReturnsPastDeadlines(t *testing.T) {
	q := newAdmissionQueue(8)
	now := time.Now()

	stale := queuedEnv(5, now.Add(-time.Second))
	fresh := queuedEnv(5, now.Add(time.Minute))
	unbounded := queuedEnv(5, time.Time{})
	for _, env := range []bus.Envelope{stale, fresh, unbounded} {
		require.NoError(t, q.Push(env))
	}

	expired := q.Expire(now)
	require.Len(t, expired, 1)
	require.Equal(t, stale.Task.ID, expired[0].Task.ID)
	require.Equal(t, 2, q.Len())
}
