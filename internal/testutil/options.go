package testutil

import (
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// TaskOption configures a task during builder setup.
type TaskOption func(*types.Task)

// WithID overrides the generated task ID.
func WithID(id types.TaskID) TaskOption {
	return func(t *types.Task) { t.ID = id }
}

// WithParent marks the task as a sub-task of parent.
func WithParent(parent types.TaskID) TaskOption {
	return func(t *types.Task) { t.ParentID = parent }
}

// WithType sets the task type.
func WithType(taskType types.TaskType) TaskOption {
	return func(t *types.Task) { t.Type = taskType }
}

// WithSession attributes the task to a client session.
func WithSession(id types.SessionID) TaskOption {
	return func(t *types.Task) { t.SessionID = id }
}

// WithSubmitter sets the submitting principal.
func WithSubmitter(principal string) TaskOption {
	return func(t *types.Task) { t.Submitter = principal }
}

// WithPayload sets the task payload.
func WithPayload(p types.Payload) TaskOption {
	return func(t *types.Task) { t.Payload = p }
}

// WithText sets a plain-text payload.
func WithText(s string) TaskOption {
	return func(t *types.Task) { t.Payload = types.TextPayload(s) }
}

// WithPriority sets the task priority.
func WithPriority(p types.Priority) TaskOption {
	return func(t *types.Task) { t.Priority = p }
}

// WithDeadline sets an absolute deadline.
func WithDeadline(d time.Time) TaskOption {
	return func(t *types.Task) { t.Deadline = d }
}

// WithDeadlineIn sets a deadline relative to now. Negative durations
// produce an already-expired task.
func WithDeadlineIn(d time.Duration) TaskOption {
	return func(t *types.Task) { t.Deadline = time.Now().Add(d) }
}

// WithBudget sets the token and cost budget.
func WithBudget(b types.Budget) TaskOption {
	return func(t *types.Task) { t.Budget = b }
}

// WithState forces a task state, bypassing transition checks.
func WithState(s types.TaskState) TaskOption {
	return func(t *types.Task) { t.State = s }
}
