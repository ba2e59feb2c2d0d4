package types

import "time"

// RouteDecision is the audit record for one dispatch routing choice.
// Decisions are immutable once recorded and retained for the audit window.
type RouteDecision struct {
	TaskID       TaskID     `json:"taskId"`
	Capability   Capability `json:"capability"`
	Candidates   []AgentID  `json:"candidates"`
	Chosen       AgentID    `json:"chosen"`
	Rationale    string     `json:"rationale"`
	Alternatives []AgentID  `json:"alternatives,omitempty"`
	DecidedAt    time.Time  `json:"decidedAt"`
}
