// Package topology defines the agent fleet manifest: which supervisors
// exist, which sub-agents run under them with which capabilities and
// provider bindings, and the closed catalog of task types the engine
// accepts. Manifests are YAML; a built-in default ships embedded and user
// manifests load from disk.
package topology

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

const (
	// supportedVersion is the only manifest schema version this build reads.
	supportedVersion = 1

	defaultConcurrency = 1
	defaultProvider    = "local"
	defaultDeadline    = 60 * time.Second
)

// === Manifest schema ===

// Manifest is the root structure of a topology YAML file.
type Manifest struct {
	Version        int             `yaml:"version"`        // schema version, currently 1
	FallbackDomain string          `yaml:"fallbackDomain"` // domain for capabilities no agent declares
	Supervisors    []SupervisorDef `yaml:"supervisors"`
	Agents         []AgentDef      `yaml:"agents"`
	Types          []TypeDef       `yaml:"types"`
}

// SupervisorDef declares one supervisor and the domain it serves.
type SupervisorDef struct {
	ID     string `yaml:"id"`
	Domain string `yaml:"domain"` // e.g. "intelligence", "multimodal", "system"
}

// AgentDef declares one sub-agent under a supervisor.
type AgentDef struct {
	ID           string   `yaml:"id"`
	Supervisor   string   `yaml:"supervisor"`   // id of the owning supervisor
	Capabilities []string `yaml:"capabilities"` // capability tags this agent serves
	Concurrency  int      `yaml:"concurrency"`  // max simultaneous tasks, default 1
	Provider     string   `yaml:"provider"`     // provider binding, default "local"
}

// TypeDef declares one accepted task type. Submissions outside the catalog
// are rejected.
type TypeDef struct {
	Type           string   `yaml:"type"`
	Requires       []string `yaml:"requires"` // capabilities needed, default [type]
	Join           string   `yaml:"join"`     // "all" | "any" | "quorum(k)", default "all"
	Deadline       string   `yaml:"deadline"` // default task deadline, e.g. "90s"
	Parallelizable bool     `yaml:"parallelizable"`
}

// Parse decodes a manifest from raw YAML without resolving it.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse topology manifest: %w", err)
	}
	return m, nil
}

// Load reads, parses, and resolves a manifest from disk. The root id is
// recorded as the parent of every supervisor.
func Load(path string, root types.AgentID) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	topo, err := m.Resolve(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, nil
}

// === Resolution ===

// Topology is a validated manifest resolved into registry specs and the
// task-type catalog. It is immutable after Resolve; accessors return copies.
type Topology struct {
	fallbackDomain string
	supervisors    []types.AgentSpec
	agents         []types.AgentSpec
	domains        map[types.AgentID]string
	byDomain       map[string][]types.AgentID
	capDomain      map[types.Capability]string
	catalog        map[types.TaskType]types.TypeSpec
}

// Resolve applies defaults, validates the manifest, and builds the resolved
// topology. The root id becomes the parent of every supervisor; it may be
// empty when no orchestrator agent exists yet.
func (m Manifest) Resolve(root types.AgentID) (*Topology, error) {
	m.applyDefaults()

	if m.Version != supportedVersion {
		return nil, fmt.Errorf("topology manifest version %d: this build supports version %d", m.Version, supportedVersion)
	}
	if len(m.Supervisors) == 0 {
		return nil, fmt.Errorf("topology manifest declares no supervisors")
	}

	topo := &Topology{
		fallbackDomain: m.FallbackDomain,
		domains:        make(map[types.AgentID]string, len(m.Supervisors)),
		byDomain:       make(map[string][]types.AgentID),
		capDomain:      make(map[types.Capability]string),
		catalog:        make(map[types.TaskType]types.TypeSpec, len(m.Types)),
	}

	seen := make(map[string]bool, len(m.Supervisors)+len(m.Agents))

	for _, def := range m.Supervisors {
		if def.ID == "" {
			return nil, fmt.Errorf("supervisor with empty id")
		}
		if def.Domain == "" {
			return nil, fmt.Errorf("supervisor %q: empty domain", def.ID)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate agent id %q", def.ID)
		}
		seen[def.ID] = true

		id := types.AgentID(def.ID)
		topo.supervisors = append(topo.supervisors, types.AgentSpec{
			ID:       id,
			Tier:     types.TierSupervisor,
			ParentID: root,
		})
		topo.domains[id] = def.Domain
		topo.byDomain[def.Domain] = append(topo.byDomain[def.Domain], id)
	}

	supervisorByID := make(map[string]*types.AgentSpec, len(topo.supervisors))
	for i := range topo.supervisors {
		supervisorByID[string(topo.supervisors[i].ID)] = &topo.supervisors[i]
	}

	if _, ok := topo.byDomain[m.FallbackDomain]; !ok {
		return nil, fmt.Errorf("fallback domain %q: no supervisor serves it", m.FallbackDomain)
	}

	for _, def := range m.Agents {
		if def.ID == "" {
			return nil, fmt.Errorf("agent with empty id")
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate agent id %q", def.ID)
		}
		seen[def.ID] = true

		parent, ok := supervisorByID[def.Supervisor]
		if !ok {
			return nil, fmt.Errorf("agent %q: unknown supervisor %q", def.ID, def.Supervisor)
		}
		if len(def.Capabilities) == 0 {
			return nil, fmt.Errorf("agent %q: no capabilities", def.ID)
		}
		if def.Concurrency < 1 {
			return nil, fmt.Errorf("agent %q: concurrency %d, must be at least 1", def.ID, def.Concurrency)
		}

		caps := make([]types.Capability, 0, len(def.Capabilities))
		domain := topo.domains[parent.ID]
		for _, c := range def.Capabilities {
			if c == "" {
				return nil, fmt.Errorf("agent %q: empty capability", def.ID)
			}
			tag := types.Capability(c)
			caps = append(caps, tag)
			// First binding wins: the first domain declaring a capability
			// owns it for routing.
			if _, bound := topo.capDomain[tag]; !bound {
				topo.capDomain[tag] = domain
			}
		}

		topo.agents = append(topo.agents, types.AgentSpec{
			ID:           types.AgentID(def.ID),
			Tier:         types.TierSubAgent,
			ParentID:     parent.ID,
			Capabilities: caps,
			Concurrency:  def.Concurrency,
			ProviderID:   types.ProviderID(def.Provider),
		})

		// A supervisor advertises the union of its children's capabilities
		// and their summed concurrency as its capacity.
		for _, c := range caps {
			if !parent.HasCapability(c) {
				parent.Capabilities = append(parent.Capabilities, c)
			}
		}
		parent.Concurrency += def.Concurrency
	}

	for i := range topo.supervisors {
		sortCapabilities(topo.supervisors[i].Capabilities)
	}

	for _, def := range m.Types {
		spec, err := resolveType(def, topo.capDomain)
		if err != nil {
			return nil, err
		}
		if _, dup := topo.catalog[spec.Type]; dup {
			return nil, fmt.Errorf("duplicate task type %q", spec.Type)
		}
		topo.catalog[spec.Type] = spec
	}

	return topo, nil
}

func (m *Manifest) applyDefaults() {
	if m.Version == 0 {
		m.Version = supportedVersion
	}
	if m.FallbackDomain == "" && len(m.Supervisors) > 0 {
		m.FallbackDomain = m.Supervisors[0].Domain
	}
	for i := range m.Agents {
		if m.Agents[i].Concurrency == 0 {
			m.Agents[i].Concurrency = defaultConcurrency
		}
		if m.Agents[i].Provider == "" {
			m.Agents[i].Provider = defaultProvider
		}
	}
	for i := range m.Types {
		if len(m.Types[i].Requires) == 0 && m.Types[i].Type != "" {
			m.Types[i].Requires = []string{m.Types[i].Type}
		}
		if m.Types[i].Join == "" {
			m.Types[i].Join = string(types.JoinAll)
		}
	}
}

func resolveType(def TypeDef, capDomain map[types.Capability]string) (types.TypeSpec, error) {
	if def.Type == "" {
		return types.TypeSpec{}, fmt.Errorf("task type with empty name")
	}

	join, err := types.ParseJoinPolicy(def.Join)
	if err != nil {
		return types.TypeSpec{}, fmt.Errorf("task type %q: %w", def.Type, err)
	}

	deadline := defaultDeadline
	if def.Deadline != "" {
		deadline, err = time.ParseDuration(def.Deadline)
		if err != nil {
			return types.TypeSpec{}, fmt.Errorf("task type %q: deadline: %w", def.Type, err)
		}
	}
	if deadline <= 0 {
		return types.TypeSpec{}, fmt.Errorf("task type %q: deadline %s, must be positive", def.Type, deadline)
	}

	requires := make([]types.Capability, 0, len(def.Requires))
	for _, c := range def.Requires {
		tag := types.Capability(c)
		if _, served := capDomain[tag]; !served {
			return types.TypeSpec{}, fmt.Errorf("task type %q requires capability %q but no agent serves it", def.Type, c)
		}
		requires = append(requires, tag)
	}

	return types.TypeSpec{
		Type:            types.TaskType(def.Type),
		Requires:        requires,
		Join:            join,
		DefaultDeadline: deadline,
		Parallelizable:  def.Parallelizable,
	}, nil
}

// === Accessors ===

// Supervisors returns the supervisor specs in manifest order. A supervisor
// advertises the union of its children's capabilities.
func (t *Topology) Supervisors() []types.AgentSpec {
	return cloneSpecs(t.supervisors)
}

// Agents returns the sub-agent specs in manifest order.
func (t *Topology) Agents() []types.AgentSpec {
	return cloneSpecs(t.agents)
}

// AllSpecs returns every spec, supervisors first, in registration order.
func (t *Topology) AllSpecs() []types.AgentSpec {
	out := make([]types.AgentSpec, 0, len(t.supervisors)+len(t.agents))
	out = append(out, cloneSpecs(t.supervisors)...)
	out = append(out, cloneSpecs(t.agents)...)
	return out
}

// Domain reports the domain a supervisor serves.
func (t *Topology) Domain(id types.AgentID) (string, bool) {
	d, ok := t.domains[id]
	return d, ok
}

// SupervisorsIn returns the supervisors serving a domain.
func (t *Topology) SupervisorsIn(domain string) []types.AgentID {
	ids := t.byDomain[domain]
	out := make([]types.AgentID, len(ids))
	copy(out, ids)
	return out
}

// DomainFor maps a capability to the domain that owns it, falling back to
// the manifest's fallback domain for capabilities no agent declares.
func (t *Topology) DomainFor(c types.Capability) string {
	if d, ok := t.capDomain[c]; ok {
		return d
	}
	return t.fallbackDomain
}

// FallbackDomain returns the domain used for unmapped capabilities.
func (t *Topology) FallbackDomain() string { return t.fallbackDomain }

// Spec looks up the catalog entry for a task type.
func (t *Topology) Spec(taskType types.TaskType) (types.TypeSpec, bool) {
	spec, ok := t.catalog[taskType]
	if !ok {
		return types.TypeSpec{}, false
	}
	spec.Requires = append([]types.Capability(nil), spec.Requires...)
	return spec, true
}

// TaskTypes returns the accepted task types in sorted order.
func (t *Topology) TaskTypes() []types.TaskType {
	out := make([]types.TaskType, 0, len(t.catalog))
	for taskType := range t.catalog {
		out = append(out, taskType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneSpecs(specs []types.AgentSpec) []types.AgentSpec {
	out := make([]types.AgentSpec, len(specs))
	for i, s := range specs {
		s.Capabilities = append([]types.Capability(nil), s.Capabilities...)
		out[i] = s
	}
	return out
}

func sortCapabilities(caps []types.Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}
