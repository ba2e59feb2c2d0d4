package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTier_Rank(t *testing.T) {
	require.Equal(t, 0, TierOrchestrator.Rank())
	require.Equal(t, 1, TierSupervisor.Rank())
	require.Equal(t, 2, TierSubAgent.Rank())
	require.Equal(t, -1, Tier("midboss").Rank())

	require.True(t, TierSupervisor.IsValid())
	require.False(t, Tier("").IsValid())
}

func TestAgentState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    AgentState
		to      AgentState
		allowed bool
	}{
		{"initializing to ready on first heartbeat", AgentInitializing, AgentReady, true},
		{"initializing to busy skips ready", AgentInitializing, AgentBusy, false},
		{"initializing to offline", AgentInitializing, AgentOffline, true},
		{"ready to busy", AgentReady, AgentBusy, true},
		{"busy to ready", AgentBusy, AgentReady, true},
		{"ready to degraded", AgentReady, AgentDegraded, true},
		{"busy to degraded", AgentBusy, AgentDegraded, true},
		{"degraded to ready", AgentDegraded, AgentReady, true},
		{"degraded to busy", AgentDegraded, AgentBusy, false},
		{"degraded to offline", AgentDegraded, AgentOffline, true},
		{"offline is a sink", AgentOffline, AgentReady, false},
		{"unknown state", AgentState("bogus"), AgentReady, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestAgentState_IsTerminal(t *testing.T) {
	require.True(t, AgentOffline.IsTerminal())

	for _, s := range []AgentState{AgentInitializing, AgentReady, AgentBusy, AgentDegraded} {
		require.False(t, s.IsTerminal(), "state %s", s)
	}
}

func TestAgentState_ValidTargets(t *testing.T) {
	require.Equal(t,
		[]AgentState{AgentBusy, AgentDegraded, AgentOffline},
		AgentReady.ValidTargets())
	require.Empty(t, AgentOffline.ValidTargets())
}

func TestAgent_Clone(t *testing.T) {
	agent := &Agent{
		ID:           "research",
		Tier:         TierSubAgent,
		Capabilities: []Capability{"research.web.search"},
	}

	clone := agent.Clone()
	clone.Capabilities[0] = "changed"
	clone.State = AgentOffline

	require.Equal(t, Capability("research.web.search"), agent.Capabilities[0])
	require.NotEqual(t, AgentOffline, agent.State)
}

func TestAgent_LoadRatio(t *testing.T) {
	agent := &Agent{Load: 1, Concurrency: 4}
	require.InDelta(t, 0.25, agent.LoadRatio(), 1e-9)
	require.True(t, agent.FreeCapacity())

	agent.Load = 4
	require.False(t, agent.FreeCapacity())

	zero := &Agent{Load: 0, Concurrency: 0}
	require.InDelta(t, 1.0, zero.LoadRatio(), 1e-9, "zero concurrency counts as saturated")
}

func TestAgent_HasCapability(t *testing.T) {
	agent := &Agent{Capabilities: []Capability{"writer.compose", "text.summarize"}}
	require.True(t, agent.HasCapability("text.summarize"))
	require.False(t, agent.HasCapability("image.generate"))

	spec := AgentSpec{Capabilities: []Capability{"code.generate"}}
	require.True(t, spec.HasCapability("code.generate"))
	require.False(t, spec.HasCapability("writer.compose"))
}
