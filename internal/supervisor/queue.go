package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// ErrQueueFull is returned when the admission queue is at capacity.
var ErrQueueFull = errors.New("admission queue is full")

// queuedRequest is one task request waiting for an in-flight slot.
type queuedRequest struct {
	env bus.Envelope
	seq uint64
}

// admissionQueue holds overflow task requests, ordered by priority then
// arrival within a priority.
type admissionQueue struct {
	mu      sync.Mutex
	entries []queuedRequest
	seq     uint64
	maxSize int
}

func newAdmissionQueue(maxSize int) *admissionQueue {
	return &admissionQueue{maxSize: maxSize}
}

// Push inserts the request behind every queued request of equal or higher
// priority. Returns ErrQueueFull at capacity.
func (q *admissionQueue) Push(env bus.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.seq++
	entry := queuedRequest{env: env, seq: q.seq}

	pos := len(q.entries)
	for i, e := range q.entries {
		if e.env.Task.Priority < env.Task.Priority {
			pos = i
			break
		}
	}

	q.entries = append(q.entries, queuedRequest{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = entry
	return nil
}

// Pop removes and returns the highest-priority request.
func (q *admissionQueue) Pop() (bus.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return bus.Envelope{}, false
	}

	env := q.entries[0].env
	q.entries = q.entries[1:]
	return env, true
}

// Remove extracts the queued request for the given task, if present.
func (q *admissionQueue) Remove(taskID types.TaskID) (bus.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.env.Task.ID == taskID {
			env := e.env
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return env, true
		}
	}
	return bus.Envelope{}, false
}

// Expire removes and returns every queued request whose deadline has passed.
func (q *admissionQueue) Expire(now time.Time) []bus.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []bus.Envelope
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.env.Task.Expired(now) {
			expired = append(expired, e.env)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return expired
}

// Len returns the number of queued requests.
func (q *admissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
