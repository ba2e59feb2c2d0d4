package types

import (
	"sort"
	"time"
)

// Tier places an agent in the three-level topology.
type Tier string

const (
	TierOrchestrator Tier = "orchestrator"
	TierSupervisor   Tier = "supervisor"
	TierSubAgent     Tier = "subagent"
)

// Rank orders tiers from the root down. Lower rank is closer to the root.
func (t Tier) Rank() int {
	switch t {
	case TierOrchestrator:
		return 0
	case TierSupervisor:
		return 1
	case TierSubAgent:
		return 2
	default:
		return -1
	}
}

// IsValid returns true for a known tier.
func (t Tier) IsValid() bool { return t.Rank() >= 0 }

// AgentState tracks an agent's availability.
type AgentState string

const (
	AgentInitializing AgentState = "initializing"
	AgentReady        AgentState = "ready"
	AgentBusy         AgentState = "busy"
	AgentDegraded     AgentState = "degraded"
	AgentOffline      AgentState = "offline"
)

// validAgentTransitions defines the allowed agent state transitions.
// Offline is terminal: an offline agent re-enters only via re-registration.
var validAgentTransitions = map[AgentState]map[AgentState]bool{
	AgentInitializing: {
		AgentReady:   true,
		AgentOffline: true,
	},
	AgentReady: {
		AgentBusy:     true,
		AgentDegraded: true,
		AgentOffline:  true,
	},
	AgentBusy: {
		AgentReady:    true,
		AgentDegraded: true,
		AgentOffline:  true,
	},
	AgentDegraded: {
		AgentReady:   true,
		AgentOffline: true,
	},
	AgentOffline: {},
}

// CanTransitionTo returns true if the transition to target is allowed.
func (s AgentState) CanTransitionTo(target AgentState) bool {
	targets, ok := validAgentTransitions[s]
	if !ok {
		return false
	}
	return targets[target]
}

// IsTerminal returns true if no further transitions are possible.
func (s AgentState) IsTerminal() bool {
	targets, ok := validAgentTransitions[s]
	return ok && len(targets) == 0
}

// ValidTargets returns the states reachable from s, sorted for determinism.
func (s AgentState) ValidTargets() []AgentState {
	targets := validAgentTransitions[s]
	out := make([]AgentState, 0, len(targets))
	for t := range targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AgentSpec describes an agent at registration time.
type AgentSpec struct {
	ID           AgentID      `json:"id"`
	Tier         Tier         `json:"tier"`
	ParentID     AgentID      `json:"parentId,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Concurrency  int          `json:"concurrency"`
	ProviderID   ProviderID   `json:"providerId,omitempty"`
}

// HasCapability returns true if the spec declares the capability.
func (s AgentSpec) HasCapability(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Agent is a registry record. The registry owns all mutation; callers
// receive copies.
type Agent struct {
	ID                AgentID      `json:"id"`
	Tier              Tier         `json:"tier"`
	ParentID          AgentID      `json:"parentId,omitempty"`
	Capabilities      []Capability `json:"capabilities"`
	Concurrency       int          `json:"concurrency"`
	ProviderID        ProviderID   `json:"providerId,omitempty"`
	State             AgentState   `json:"state"`
	Load              int          `json:"load"`
	LastHeartbeat     time.Time    `json:"lastHeartbeat"`
	ConsecutiveMisses int          `json:"consecutiveMisses"`
	SuccessRate       float64      `json:"successRate"`
	Observations      int          `json:"observations"`
	RegisteredAt      time.Time    `json:"registeredAt"`
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	clone := *a
	if a.Capabilities != nil {
		clone.Capabilities = make([]Capability, len(a.Capabilities))
		copy(clone.Capabilities, a.Capabilities)
	}
	return &clone
}

// HasCapability returns true if the agent declares the capability.
func (a *Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// LoadRatio returns in-flight load as a fraction of concurrency.
func (a *Agent) LoadRatio() float64 {
	if a.Concurrency <= 0 {
		return 1
	}
	return float64(a.Load) / float64(a.Concurrency)
}

// FreeCapacity returns true if the agent can accept more work.
func (a *Agent) FreeCapacity() bool { return a.Load < a.Concurrency }

// HeartbeatStatus is the payload an agent reports with each heartbeat.
type HeartbeatStatus struct {
	InFlight int    `json:"inFlight"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
}
