// Package capability defines the interface between the engine and external
// model services. A Provider executes one invocation; the engine gates every
// invocation through the provider pool, so implementations stay free of rate
// limiting and retry concerns.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Request is one gated invocation of an external model service.
type Request struct {
	TaskID      types.TaskID   `json:"taskId"`
	Type        types.TaskType `json:"type"`
	Payload     types.Payload  `json:"payload"`
	TokenBudget int64          `json:"tokenBudget,omitempty"`
}

// Response is the provider's answer to one request.
type Response struct {
	Payload    types.Payload `json:"payload"`
	TokensUsed int64         `json:"tokensUsed"`
}

// EstimateTokens approximates tokens as four bytes each, rounding up. The
// same heuristic is used for pool admission and for local provider usage
// accounting.
func EstimateTokens(data []byte) int64 {
	return int64(len(data)+3) / 4
}

// Provider executes invocations against one external model service.
// Implementations must honor ctx cancellation and report token usage.
type Provider interface {
	// ID names the provider. It matches the pool's provider id.
	ID() types.ProviderID

	// Invoke performs one call. Errors should carry a fault kind so the
	// retry executor can classify them.
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ErrUnknownProvider is returned when an unregistered provider is requested.
var ErrUnknownProvider = fmt.Errorf("unknown capability provider")

// providerRegistry holds registered provider factories.
// Use Register to add new providers.
var (
	registryMu       sync.RWMutex
	providerRegistry = make(map[types.ProviderID]func() Provider)
)

// Register adds a provider factory under the given id. Later registrations
// replace earlier ones, which lets tests swap in mocks.
func Register(id types.ProviderID, factory func() Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providerRegistry[id] = factory
}

// Get creates a Provider for the given id.
// Returns ErrUnknownProvider if the id is not registered.
func Get(id types.ProviderID) (Provider, error) {
	registryMu.RLock()
	factory, ok := providerRegistry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return factory(), nil
}

// Registered returns the registered provider ids, sorted.
func Registered() []types.ProviderID {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ids := make([]types.ProviderID, 0, len(providerRegistry))
	for id := range providerRegistry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsRegistered returns true if the given provider id has been registered.
func IsRegistered(id types.ProviderID) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := providerRegistry[id]
	return ok
}
