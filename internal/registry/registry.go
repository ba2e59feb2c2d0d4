// Package registry provides the authoritative agent directory with
// capability lookup, liveness tracking, and load accounting.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/metrics"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// === Errors ===

var (
	// ErrConflict is returned when registering a duplicate agent id.
	ErrConflict = errors.New("agent id already registered")

	// ErrInvalidParent is returned when the parent reference is missing,
	// unknown, or not of a strictly lower tier.
	ErrInvalidParent = errors.New("invalid parent reference")

	// ErrInvalidCapability is returned when a supervisor or sub-agent
	// registers without capabilities.
	ErrInvalidCapability = errors.New("capabilities required")

	// ErrNotFound is returned when the agent id is unknown.
	ErrNotFound = errors.New("agent not found")

	// ErrAgentOffline is returned for operations on an offline agent.
	// Offline agents re-enter only via re-registration.
	ErrAgentOffline = errors.New("agent offline")

	// ErrNoCapacity is returned when an agent cannot accept more work.
	ErrNoCapacity = errors.New("agent has no free capacity")
)

// Defaults for liveness tracking.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultDegradedAfter     = 2
	DefaultOfflineAfter      = 4
	DefaultDrainGrace        = 5 * time.Second

	drainPollInterval = 25 * time.Millisecond
)

// Constraints narrows a Find call.
type Constraints struct {
	// ParentID restricts results to children of the given agent.
	ParentID types.AgentID

	// Tier restricts results to one tier. Empty means any tier.
	Tier types.Tier

	// RequireCapacity drops agents without a free concurrency slot.
	RequireCapacity bool
}

// TransitionFunc observes agent state changes. Invoked on a separate
// goroutine; implementations must not call back into the directory's
// mutating operations synchronously.
type TransitionFunc func(agent types.Agent, from, to types.AgentState)

// Config configures the directory.
type Config struct {
	// HeartbeatInterval is the expected heartbeat cadence. One miss is one
	// elapsed interval without a heartbeat.
	HeartbeatInterval time.Duration

	// DegradedAfter is the consecutive miss count that degrades an agent.
	DegradedAfter int

	// OfflineAfter is the consecutive miss count that takes an agent offline.
	OfflineAfter int

	// DrainGrace bounds how long Deregister waits for in-flight work.
	DrainGrace time.Duration

	// ScanInterval is the liveness scan cadence. Defaults to half the
	// heartbeat interval.
	ScanInterval time.Duration

	// SuccessWindow is the rolling success-rate window size per agent.
	SuccessWindow int

	// OnTransition, if set, observes every state change.
	OnTransition TransitionFunc
}

// Directory is the authoritative agent directory.
// Implementations must be thread-safe for concurrent access.
type Directory interface {
	// Register validates and stores an agent. The returned record is a
	// snapshot. Re-registering an offline id replaces the old record.
	Register(spec types.AgentSpec) (*types.Agent, error)

	// Deregister takes the agent offline, waits for in-flight work to drain
	// up to the grace deadline, then removes it.
	Deregister(ctx context.Context, id types.AgentID) error

	// Get retrieves a snapshot of an agent by ID.
	Get(id types.AgentID) (*types.Agent, bool)

	// Find returns Ready agents matching the capability and constraints,
	// ordered by health, then load, then success rate, with a deterministic
	// id tie-break. The result is a consistent snapshot.
	Find(capability types.Capability, c Constraints) []*types.Agent

	// List returns all agents ordered by tier then id.
	List() []*types.Agent

	// Heartbeat updates liveness. The first heartbeat readies an
	// initializing agent; an unhealthy report degrades, a healthy one
	// recovers a degraded agent.
	Heartbeat(id types.AgentID, status types.HeartbeatStatus) error

	// Observe records a terminal task outcome for the agent's rolling
	// success rate.
	Observe(id types.AgentID, success bool)

	// AcquireSlot reserves one concurrency slot; the agent turns Busy when
	// it reaches its limit.
	AcquireSlot(id types.AgentID) error

	// ReleaseSlot returns one concurrency slot.
	ReleaseSlot(id types.AgentID)

	// MarkDegraded forces an agent into Degraded, e.g. on sustained mailbox
	// non-drain reported by the bus.
	MarkDegraded(id types.AgentID, detail string) error

	// Count returns the number of agents in each state.
	Count() map[types.AgentState]int

	// Close stops the liveness monitor.
	Close()
}

// inMemoryDirectory is the thread-safe in-memory implementation of Directory.
// All mutation is serialized behind mu; readers receive cloned snapshots.
type inMemoryDirectory struct {
	mu      sync.RWMutex
	agents  map[types.AgentID]*types.Agent
	windows map[types.AgentID]*metrics.RollingWindow

	heartbeatInterval time.Duration
	degradedAfter     int
	offlineAfter      int
	drainGrace        time.Duration
	scanInterval      time.Duration
	successWindow     int
	onTransition      TransitionFunc

	done chan struct{}
}

// New creates a directory and starts its liveness monitor.
func New(cfg Config) Directory {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultDegradedAfter
	}
	if cfg.OfflineAfter <= cfg.DegradedAfter {
		cfg.OfflineAfter = cfg.DegradedAfter + DefaultOfflineAfter - DefaultDegradedAfter
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = cfg.HeartbeatInterval / 2
	}

	d := &inMemoryDirectory{
		agents:            make(map[types.AgentID]*types.Agent),
		windows:           make(map[types.AgentID]*metrics.RollingWindow),
		heartbeatInterval: cfg.HeartbeatInterval,
		degradedAfter:     cfg.DegradedAfter,
		offlineAfter:      cfg.OfflineAfter,
		drainGrace:        cfg.DrainGrace,
		scanInterval:      cfg.ScanInterval,
		successWindow:     cfg.SuccessWindow,
		onTransition:      cfg.OnTransition,
		done:              make(chan struct{}),
	}

	log.SafeGo("registry-liveness", d.monitor)
	return d
}

// Register validates and stores an agent.
func (d *inMemoryDirectory) Register(spec types.AgentSpec) (*types.Agent, error) {
	if !spec.ID.IsValid() {
		return nil, fmt.Errorf("agent spec has empty id")
	}
	if !spec.Tier.IsValid() {
		return nil, fmt.Errorf("agent %s has unknown tier %q", spec.ID, spec.Tier)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.agents[spec.ID]; ok && existing.State != types.AgentOffline {
		return nil, fmt.Errorf("%w: %s", ErrConflict, spec.ID)
	}

	if spec.Tier == types.TierOrchestrator {
		if spec.ParentID != "" {
			return nil, fmt.Errorf("%w: orchestrator %s must not declare a parent", ErrInvalidParent, spec.ID)
		}
	} else {
		if spec.ParentID == "" {
			return nil, fmt.Errorf("%w: agent %s requires a parent", ErrInvalidParent, spec.ID)
		}
		parent, ok := d.agents[spec.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: agent %s references unknown parent %s", ErrInvalidParent, spec.ID, spec.ParentID)
		}
		if parent.Tier.Rank() >= spec.Tier.Rank() {
			return nil, fmt.Errorf("%w: parent %s (%s) is not of a lower tier than %s (%s)",
				ErrInvalidParent, parent.ID, parent.Tier, spec.ID, spec.Tier)
		}
		if len(spec.Capabilities) == 0 {
			return nil, fmt.Errorf("%w: agent %s", ErrInvalidCapability, spec.ID)
		}
	}

	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	agent := &types.Agent{
		ID:           spec.ID,
		Tier:         spec.Tier,
		ParentID:     spec.ParentID,
		Capabilities: append([]types.Capability(nil), spec.Capabilities...),
		Concurrency:  concurrency,
		ProviderID:   spec.ProviderID,
		State:        types.AgentInitializing,
		SuccessRate:  1.0,
		RegisteredAt: time.Now(),
	}

	d.agents[spec.ID] = agent
	d.windows[spec.ID] = metrics.NewRollingWindow(d.successWindow)

	log.Debug(log.CatRegistry, "agent registered",
		"agentID", agent.ID, "tier", agent.Tier, "parent", agent.ParentID,
		"capabilities", len(agent.Capabilities), "concurrency", agent.Concurrency)

	return agent.Clone(), nil
}

// Deregister takes the agent offline and removes it after drain.
func (d *inMemoryDirectory) Deregister(ctx context.Context, id types.AgentID) error {
	d.mu.Lock()
	agent, ok := d.agents[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.State != types.AgentOffline {
		d.transitionLocked(agent, types.AgentOffline)
	}
	load := agent.Load
	d.mu.Unlock()

	if load > 0 {
		deadline := time.Now().Add(d.drainGrace)
		ticker := time.NewTicker(drainPollInterval)
		defer ticker.Stop()

	drain:
		for {
			select {
			case <-ctx.Done():
				break drain
			case <-ticker.C:
			}

			d.mu.RLock()
			remaining := 0
			if a, ok := d.agents[id]; ok {
				remaining = a.Load
			}
			d.mu.RUnlock()

			if remaining == 0 || time.Now().After(deadline) {
				break drain
			}
		}
	}

	d.mu.Lock()
	delete(d.agents, id)
	delete(d.windows, id)
	d.mu.Unlock()

	log.Debug(log.CatRegistry, "agent deregistered", "agentID", id)
	return nil
}

// Get retrieves a snapshot of an agent by ID.
func (d *inMemoryDirectory) Get(id types.AgentID) (*types.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	agent, ok := d.agents[id]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// Find returns Ready agents matching the capability and constraints.
func (d *inMemoryDirectory) Find(capability types.Capability, c Constraints) []*types.Agent {
	d.mu.RLock()

	var results []*types.Agent
	for _, agent := range d.agents {
		if agent.State != types.AgentReady {
			continue
		}
		if !agent.HasCapability(capability) {
			continue
		}
		if c.ParentID != "" && agent.ParentID != c.ParentID {
			continue
		}
		if c.Tier != "" && agent.Tier != c.Tier {
			continue
		}
		if c.RequireCapacity && !agent.FreeCapacity() {
			continue
		}
		results = append(results, agent.Clone())
	}
	d.mu.RUnlock()

	sortByRank(results)
	return results
}

// List returns all agents ordered by tier then id.
func (d *inMemoryDirectory) List() []*types.Agent {
	d.mu.RLock()
	results := make([]*types.Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		results = append(results, agent.Clone())
	}
	d.mu.RUnlock()

	sortByTopology(results)
	return results
}

// Heartbeat updates liveness and applies reported health.
func (d *inMemoryDirectory) Heartbeat(id types.AgentID, status types.HeartbeatStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.State == types.AgentOffline {
		return fmt.Errorf("%w: %s", ErrAgentOffline, id)
	}

	agent.LastHeartbeat = time.Now()
	agent.ConsecutiveMisses = 0

	if agent.State == types.AgentInitializing {
		d.transitionLocked(agent, types.AgentReady)
	}

	switch {
	case agent.State == types.AgentDegraded && status.Healthy:
		d.transitionLocked(agent, types.AgentReady)
	case !status.Healthy && (agent.State == types.AgentReady || agent.State == types.AgentBusy):
		log.Debug(log.CatRegistry, "agent reported unhealthy", "agentID", id, "detail", status.Detail)
		d.transitionLocked(agent, types.AgentDegraded)
	}

	return nil
}

// Observe records a terminal task outcome for the agent.
func (d *inMemoryDirectory) Observe(id types.AgentID, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window, ok := d.windows[id]
	if !ok {
		return
	}
	window.Observe(success)

	if agent, ok := d.agents[id]; ok {
		agent.SuccessRate = window.Rate()
		agent.Observations = window.Count()
	}
}

// AcquireSlot reserves one concurrency slot.
func (d *inMemoryDirectory) AcquireSlot(id types.AgentID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.State != types.AgentReady {
		return fmt.Errorf("%w: agent %s is %s", ErrNoCapacity, id, agent.State)
	}
	if !agent.FreeCapacity() {
		return fmt.Errorf("%w: agent %s at %d/%d", ErrNoCapacity, id, agent.Load, agent.Concurrency)
	}

	agent.Load++
	if !agent.FreeCapacity() {
		d.transitionLocked(agent, types.AgentBusy)
	}
	return nil
}

// ReleaseSlot returns one concurrency slot.
func (d *inMemoryDirectory) ReleaseSlot(id types.AgentID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[id]
	if !ok {
		return
	}
	if agent.Load > 0 {
		agent.Load--
	}
	if agent.State == types.AgentBusy && agent.FreeCapacity() {
		d.transitionLocked(agent, types.AgentReady)
	}
}

// MarkDegraded forces an agent into Degraded.
func (d *inMemoryDirectory) MarkDegraded(id types.AgentID, detail string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.State == types.AgentDegraded {
		return nil
	}
	if !agent.State.CanTransitionTo(types.AgentDegraded) {
		return fmt.Errorf("agent %s cannot degrade from %s", id, agent.State)
	}

	log.Warn(log.CatRegistry, "agent degraded", "agentID", id, "detail", detail)
	d.transitionLocked(agent, types.AgentDegraded)
	return nil
}

// Count returns the number of agents in each state.
func (d *inMemoryDirectory) Count() map[types.AgentState]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[types.AgentState]int)
	for _, agent := range d.agents {
		counts[agent.State]++
	}
	return counts
}

// Close stops the liveness monitor.
func (d *inMemoryDirectory) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// transitionLocked applies a state change under the write lock and notifies
// the transition hook on a separate goroutine.
func (d *inMemoryDirectory) transitionLocked(agent *types.Agent, to types.AgentState) {
	from := agent.State
	if !from.CanTransitionTo(to) {
		log.Error(log.CatRegistry, "invalid agent transition",
			"agentID", agent.ID, "from", from, "to", to)
		return
	}
	agent.State = to

	if d.onTransition != nil {
		snapshot := *agent.Clone()
		hook := d.onTransition
		log.SafeGo("registry-transition-hook", func() {
			hook(snapshot, from, to)
		})
	}
}

// monitor runs the periodic liveness scan until Close.
func (d *inMemoryDirectory) monitor() {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.scan(time.Now())
		}
	}
}

// scan recomputes consecutive heartbeat misses at now and applies the
// degraded and offline thresholds. A miss is one fully elapsed heartbeat
// interval without a beat.
func (d *inMemoryDirectory) scan(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, agent := range d.agents {
		if agent.State == types.AgentOffline {
			continue
		}

		last := agent.LastHeartbeat
		if last.IsZero() {
			last = agent.RegisteredAt
		}
		missed := int(now.Sub(last) / d.heartbeatInterval)
		if missed < 0 {
			missed = 0
		}
		agent.ConsecutiveMisses = missed

		switch {
		case missed >= d.offlineAfter:
			log.Warn(log.CatRegistry, "agent offline after missed heartbeats",
				"agentID", agent.ID, "missed", missed)
			d.transitionLocked(agent, types.AgentOffline)
		case missed >= d.degradedAfter &&
			(agent.State == types.AgentReady || agent.State == types.AgentBusy):
			log.Warn(log.CatRegistry, "agent degraded after missed heartbeats",
				"agentID", agent.ID, "missed", missed)
			d.transitionLocked(agent, types.AgentDegraded)
		}
	}
}

// sortByRank orders agents for Find: fewest consecutive misses first, then
// lowest load ratio, then highest success rate, then id ascending.
func sortByRank(agents []*types.Agent) {
	// Simple insertion sort - adequate for expected fleet sizes
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && ranksBefore(agents[j], agents[j-1]); j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}

// ranksBefore returns true if a should sort before b.
func ranksBefore(a, b *types.Agent) bool {
	if a.ConsecutiveMisses != b.ConsecutiveMisses {
		return a.ConsecutiveMisses < b.ConsecutiveMisses
	}
	if a.LoadRatio() != b.LoadRatio() {
		return a.LoadRatio() < b.LoadRatio()
	}
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	return a.ID < b.ID
}

// sortByTopology orders agents for List: tier rank ascending, then id.
func sortByTopology(agents []*types.Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && topologyBefore(agents[j], agents[j-1]); j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}

// topologyBefore returns true if a should sort before b.
func topologyBefore(a, b *types.Agent) bool {
	if a.Tier.Rank() != b.Tier.Rank() {
		return a.Tier.Rank() < b.Tier.Rank()
	}
	return a.ID < b.ID
}
