// Package types defines the task, agent, and identifier types shared across
// the orchestration engine.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
)

// TaskType names a kind of work in dot notation, e.g. "text.summarize".
type TaskType string

func (t TaskType) String() string { return string(t) }

// IsValid returns true if the type is non-empty.
func (t TaskType) IsValid() bool { return t != "" }

// Capability tags the kind of work an agent can perform. Capability values
// share the task-type namespace: an agent with capability "text.summarize"
// handles tasks of that type.
type Capability string

func (c Capability) String() string { return string(c) }

// Priority orders tasks within a queue. 0 is lowest, 9 is highest.
type Priority int

const (
	MinPriority     Priority = 0
	DefaultPriority Priority = 5
	MaxPriority     Priority = 9
)

// Clamp bounds the priority to the valid range.
func (p Priority) Clamp() Priority {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Payload is an opaque task payload with a MIME tag.
type Payload struct {
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// TextPayload wraps a plain-text string.
func TextPayload(s string) Payload {
	return Payload{MIME: "text/plain; charset=utf-8", Data: []byte(s)}
}

// JSONPayload marshals v into an application/json payload.
func JSONPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Payload{MIME: "application/json", Data: data}, nil
}

// Text returns the payload bytes as a string.
func (p Payload) Text() string { return string(p.Data) }

// IsZero returns true if the payload carries nothing.
func (p Payload) IsZero() bool { return p.MIME == "" && len(p.Data) == 0 }

// Budget caps token and dollar spend for a task and its sub-tasks.
// Zero or negative limits mean unlimited.
type Budget struct {
	MaxTokens   int64   `json:"maxTokens,omitempty"`
	MaxCostUSD  float64 `json:"maxCostUSD,omitempty"`
	UsedTokens  int64   `json:"usedTokens,omitempty"`
	UsedCostUSD float64 `json:"usedCostUSD,omitempty"`
}

// Unlimited returns true when neither limit is set.
func (b Budget) Unlimited() bool { return b.MaxTokens <= 0 && b.MaxCostUSD <= 0 }

// Exhausted returns true when either limit has been reached.
func (b Budget) Exhausted() bool {
	if b.MaxTokens > 0 && b.UsedTokens >= b.MaxTokens {
		return true
	}
	if b.MaxCostUSD > 0 && b.UsedCostUSD >= b.MaxCostUSD {
		return true
	}
	return false
}

// Charge records spend against the budget.
func (b *Budget) Charge(tokens int64, costUSD float64) {
	b.UsedTokens += tokens
	b.UsedCostUSD += costUSD
}

// === Join policy ===

// JoinMode is the policy by which results from multiple supervisors are
// combined into one.
type JoinMode string

const (
	JoinAll    JoinMode = "all"
	JoinAny    JoinMode = "any"
	JoinQuorum JoinMode = "quorum"
)

// JoinPolicy pairs a join mode with its quorum size where applicable.
type JoinPolicy struct {
	Mode   JoinMode `json:"mode" yaml:"mode"`
	Quorum int      `json:"quorum,omitempty" yaml:"quorum,omitempty"`
}

// ParseJoinPolicy parses "all", "any", "quorum" or "quorum(k)".
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == string(JoinAll):
		return JoinPolicy{Mode: JoinAll}, nil
	case s == string(JoinAny):
		return JoinPolicy{Mode: JoinAny}, nil
	case s == string(JoinQuorum):
		return JoinPolicy{Mode: JoinQuorum, Quorum: 1}, nil
	case strings.HasPrefix(s, "quorum(") && strings.HasSuffix(s, ")"):
		k, err := strconv.Atoi(s[len("quorum(") : len(s)-1])
		if err != nil || k < 1 {
			return JoinPolicy{}, fmt.Errorf("parse join policy %q: quorum size must be a positive integer", s)
		}
		return JoinPolicy{Mode: JoinQuorum, Quorum: k}, nil
	default:
		return JoinPolicy{}, fmt.Errorf("parse join policy %q: unknown mode", s)
	}
}

// Validate checks the policy is well-formed.
func (j JoinPolicy) Validate() error {
	switch j.Mode {
	case JoinAll, JoinAny:
		return nil
	case JoinQuorum:
		if j.Quorum < 1 {
			return fmt.Errorf("join policy quorum size %d: must be at least 1", j.Quorum)
		}
		return nil
	default:
		return fmt.Errorf("join policy mode %q: unknown", j.Mode)
	}
}

func (j JoinPolicy) String() string {
	if j.Mode == JoinQuorum {
		return fmt.Sprintf("quorum(%d)", j.Quorum)
	}
	return string(j.Mode)
}

// TypeSpec is the catalog entry for a task type: the capabilities it
// requires, its join policy, its default deadline, and whether its payload
// may be split across sub-agents.
type TypeSpec struct {
	Type            TaskType      `json:"type" yaml:"type"`
	Requires        []Capability  `json:"requires" yaml:"requires"`
	Join            JoinPolicy    `json:"join" yaml:"join"`
	DefaultDeadline time.Duration `json:"defaultDeadline" yaml:"defaultDeadline"`
	Parallelizable  bool          `json:"parallelizable" yaml:"parallelizable"`
}

// === Task lifecycle ===

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
	TaskTimedOut   TaskState = "timed_out"
)

// validTaskTransitions defines the allowed task state transitions.
// A dispatched task may reach a terminal state without passing through
// running: supervisors only report progress for streaming work.
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskPending: {
		TaskDispatched: true,
		TaskFailed:     true,
		TaskCancelled:  true,
		TaskTimedOut:   true,
	},
	TaskDispatched: {
		TaskRunning:   true,
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
		TaskTimedOut:  true,
	},
	TaskRunning: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
		TaskTimedOut:  true,
	},
	TaskCompleted: {},
	TaskFailed:    {},
	TaskCancelled: {},
	TaskTimedOut:  {},
}

// CanTransitionTo returns true if the transition to target is allowed.
func (s TaskState) CanTransitionTo(target TaskState) bool {
	targets, ok := validTaskTransitions[s]
	if !ok {
		return false
	}
	return targets[target]
}

// IsTerminal returns true if no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	targets, ok := validTaskTransitions[s]
	return ok && len(targets) == 0
}

// ValidTargets returns the states reachable from s, sorted for determinism.
func (s TaskState) ValidTargets() []TaskState {
	targets := validTaskTransitions[s]
	out := make([]TaskState, 0, len(targets))
	for t := range targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Task is a unit of work flowing through the engine.
type Task struct {
	ID        TaskID    `json:"id"`
	ParentID  TaskID    `json:"parentId,omitempty"`
	SessionID SessionID `json:"sessionId,omitempty"`
	Submitter string    `json:"submitter,omitempty"`
	Type      TaskType  `json:"type"`
	Payload   Payload   `json:"payload"`
	Priority  Priority  `json:"priority"`
	Deadline  time.Time `json:"deadline"`
	Budget    Budget    `json:"budget,omitempty"`
	State     TaskState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Payload.Data != nil {
		clone.Payload.Data = make([]byte, len(t.Payload.Data))
		copy(clone.Payload.Data, t.Payload.Data)
	}
	return &clone
}

// Expired returns true if the task's deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// TaskResult records the single terminal outcome of a task.
type TaskResult struct {
	TaskID       TaskID     `json:"taskId"`
	Status       TaskState  `json:"status"`
	Payload      Payload    `json:"payload,omitempty"`
	ErrorKind    fault.Kind `json:"errorKind,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ProducedBy   AgentID    `json:"producedBy,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   time.Time  `json:"finishedAt"`
	TokensUsed   int64      `json:"tokensUsed"`
	CostEstimate float64    `json:"costEstimate"`
	Warnings     []string   `json:"warnings,omitempty"`
}

// Failed returns true for any non-completed terminal status.
func (r *TaskResult) Failed() bool { return r.Status != TaskCompleted }

// Validate checks result invariants: terminal status and ordered timestamps.
func (r *TaskResult) Validate() error {
	if !r.Status.IsTerminal() {
		return fmt.Errorf("result status %q: not terminal", r.Status)
	}
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() && r.FinishedAt.Before(r.StartedAt) {
		return fmt.Errorf("result for task %s: finishedAt before startedAt", r.TaskID)
	}
	return nil
}
