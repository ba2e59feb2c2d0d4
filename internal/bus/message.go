package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Kind categorizes the message being routed.
type Kind string

const (
	// KindTaskRequest carries a task from a parent to a child agent.
	KindTaskRequest Kind = "task_request"

	// KindTaskResult carries a terminal result back to the requester.
	KindTaskResult Kind = "task_result"

	// KindPartialResult streams an intermediate chunk for a running task.
	KindPartialResult Kind = "partial_result"

	// KindCancel asks the recipient to stop work on a task.
	KindCancel Kind = "cancel"

	// KindHeartbeat reports agent liveness.
	KindHeartbeat Kind = "heartbeat"

	// KindHealthQuery asks an agent for its current status.
	KindHealthQuery Kind = "health_query"

	// KindHealthReply answers a health query.
	KindHealthReply Kind = "health_reply"

	// KindRouteDecision records a dispatch choice for audit.
	KindRouteDecision Kind = "route_decision"

	// KindProviderEvent announces a provider health change.
	KindProviderEvent Kind = "provider_event"
)

var knownKinds = map[Kind]bool{
	KindTaskRequest:   true,
	KindTaskResult:    true,
	KindPartialResult: true,
	KindCancel:        true,
	KindHeartbeat:     true,
	KindHealthQuery:   true,
	KindHealthReply:   true,
	KindRouteDecision: true,
	KindProviderEvent: true,
}

// IsValid reports whether the kind is one of the routable kinds.
func (k Kind) IsValid() bool { return knownKinds[k] }

// Critical reports whether the kind may never be dropped on overflow.
// Overflow of a critical message surfaces as backpressure to the producer.
func (k Kind) Critical() bool {
	return k == KindTaskRequest || k == KindTaskResult || k == KindCancel
}

// isPartialTier marks the first tier sacrificed on overflow.
func isPartialTier(k Kind) bool { return k == KindPartialResult }

// isTransientTier marks the second tier sacrificed on overflow.
func isTransientTier(k Kind) bool {
	switch k {
	case KindHeartbeat, KindHealthQuery, KindHealthReply, KindRouteDecision, KindProviderEvent:
		return true
	}
	return false
}

// Partial is one streamed chunk of a running task's output. Seq orders
// chunks within a task.
type Partial struct {
	TaskID  types.TaskID  `json:"taskId"`
	Seq     int           `json:"seq"`
	Payload types.Payload `json:"payload"`
}

// CancelRequest asks the recipient to stop a task.
type CancelRequest struct {
	TaskID types.TaskID `json:"taskId"`
	Reason string       `json:"reason,omitempty"`
}

// ProviderChange announces a provider health transition.
type ProviderChange struct {
	ProviderID types.ProviderID `json:"providerId"`
	From       string           `json:"from"`
	To         string           `json:"to"`
}

// Envelope is the unit of routing. Exactly one payload field is set,
// matching Kind. Payloads are shared across recipients; consumers must
// treat them as read-only.
type Envelope struct {
	// MessageID is unique per message. Redelivery reuses the id so
	// consumers can treat the first copy as authoritative.
	MessageID string `json:"messageId"`

	// CorrelationID groups messages belonging to one task or session.
	CorrelationID string `json:"correlationId,omitempty"`

	// From identifies the producing agent.
	From types.AgentID `json:"from"`

	// To identifies the recipient. Empty means broadcast to every agent
	// subscriber except the producer.
	To types.AgentID `json:"to,omitempty"`

	Kind Kind `json:"kind"`

	Task      *types.Task            `json:"task,omitempty"`
	Result    *types.TaskResult      `json:"result,omitempty"`
	Partial   *Partial               `json:"partial,omitempty"`
	Cancel    *CancelRequest         `json:"cancel,omitempty"`
	Heartbeat *types.HeartbeatStatus `json:"heartbeat,omitempty"`
	Route     *types.RouteDecision   `json:"route,omitempty"`
	Provider  *ProviderChange        `json:"provider,omitempty"`

	// EnqueuedAt is stamped by the bus on publish.
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// === Constructors ===

// NewTaskRequest addresses a task to a specific agent, correlated by task id.
func NewTaskRequest(from, to types.AgentID, task *types.Task) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: task.ID.String(),
		From:          from,
		To:            to,
		Kind:          KindTaskRequest,
		Task:          task,
	}
}

// NewTaskResult carries a terminal result back, correlated by task id.
func NewTaskResult(from, to types.AgentID, result *types.TaskResult) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: result.TaskID.String(),
		From:          from,
		To:            to,
		Kind:          KindTaskResult,
		Result:        result,
	}
}

// NewPartialResult streams one chunk, correlated by task id.
func NewPartialResult(from, to types.AgentID, partial Partial) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: partial.TaskID.String(),
		From:          from,
		To:            to,
		Kind:          KindPartialResult,
		Partial:       &partial,
	}
}

// NewCancel asks the recipient to stop work on the task.
func NewCancel(from, to types.AgentID, taskID types.TaskID, reason string) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: taskID.String(),
		From:          from,
		To:            to,
		Kind:          KindCancel,
		Cancel:        &CancelRequest{TaskID: taskID, Reason: reason},
	}
}

// NewHeartbeat reports liveness. An empty recipient broadcasts.
func NewHeartbeat(from, to types.AgentID, status types.HeartbeatStatus) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      KindHeartbeat,
		Heartbeat: &status,
	}
}

// NewHealthQuery asks the recipient for its status.
func NewHealthQuery(from, to types.AgentID) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      KindHealthQuery,
	}
}

// NewHealthReply answers a health query.
func NewHealthReply(from, to types.AgentID, status types.HeartbeatStatus) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      KindHealthReply,
		Heartbeat: &status,
	}
}

// NewRouteDecision broadcasts a dispatch choice for audit, correlated by
// task id.
func NewRouteDecision(from types.AgentID, decision *types.RouteDecision) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: decision.TaskID.String(),
		From:          from,
		Kind:          KindRouteDecision,
		Route:         decision,
	}
}

// NewProviderEvent broadcasts a provider health change, correlated by
// provider id.
func NewProviderEvent(from types.AgentID, change ProviderChange) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: change.ProviderID.String(),
		From:          from,
		Kind:          KindProviderEvent,
		Provider:      &change,
	}
}
