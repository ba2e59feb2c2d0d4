// Package provider implements the rate-limited egress gateway that every
// external model call passes through. Each configured provider gets a
// wall-clock aligned usage window (requests and tokens), an in-flight
// concurrency cap, and a FIFO wait queue. A per-provider breaker degrades and
// eventually opens the provider after sustained transient failures, letting a
// small number of half-open probes through before restoring it.
package provider

import (
	"fmt"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/metrics"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// === Provider health ===

// Health describes the admission posture of a single provider.
type Health string

const (
	// Healthy admits traffic up to the configured quota.
	Healthy Health = "healthy"

	// Degraded admits traffic at half the configured concurrency.
	Degraded Health = "degraded"

	// Offline rejects traffic, except for half-open probes once the
	// cooldown has elapsed.
	Offline Health = "offline"
)

// validHealthTransitions defines the legal provider health transitions.
// Offline returns to Healthy only through probe success or an explicit
// operator enable.
var validHealthTransitions = map[Health]map[Health]bool{
	Healthy:  {Degraded: true, Offline: true},
	Degraded: {Healthy: true, Offline: true},
	Offline:  {Healthy: true},
}

// CanTransitionTo reports whether the health can move to the target state.
func (h Health) CanTransitionTo(target Health) bool {
	allowed, ok := validHealthTransitions[h]
	if !ok {
		return false
	}
	return allowed[target]
}

// IsValid reports whether the health value is one of the known states.
func (h Health) IsValid() bool {
	_, ok := validHealthTransitions[h]
	return ok
}

// === Quota ===

// Quota bounds a provider's traffic for one usage window.
type Quota struct {
	// RequestsPerWindow caps admitted calls per window.
	RequestsPerWindow int

	// TokensPerWindow caps estimated plus reconciled token usage per window.
	TokensPerWindow int64

	// MaxConcurrent caps in-flight calls. Halved while the provider is
	// Degraded, never below one.
	MaxConcurrent int
}

// Validate checks that every limit is positive.
func (q Quota) Validate() error {
	if q.RequestsPerWindow <= 0 {
		return fmt.Errorf("requestsPerWindow must be positive")
	}
	if q.TokensPerWindow <= 0 {
		return fmt.Errorf("tokensPerWindow must be positive")
	}
	if q.MaxConcurrent <= 0 {
		return fmt.Errorf("maxConcurrent must be positive")
	}
	return nil
}

// === Snapshot ===

// Snapshot is a point-in-time view of one provider's counters. Counters are
// never negative.
type Snapshot struct {
	ProviderID        types.ProviderID        `json:"providerId"`
	Health            Health                  `json:"health"`
	Disabled          bool                    `json:"disabled"`
	WindowStart       time.Time               `json:"windowStart"`
	UsedRequests      int                     `json:"usedRequests"`
	RequestsPerWindow int                     `json:"requestsPerWindow"`
	UsedTokens        int64                   `json:"usedTokens"`
	TokensPerWindow   int64                   `json:"tokensPerWindow"`
	InFlight          int                     `json:"inFlight"`
	MaxConcurrent     int                     `json:"maxConcurrent"`
	QueueDepth        int                     `json:"queueDepth"`
	Latency           metrics.LatencySnapshot `json:"latency"`
}

// === Ticket ===

// Ticket is proof of admission for a single provider call. The holder must
// hand it back through Release exactly once; a late release after the
// watchdog has reclaimed the ticket is a no-op.
type Ticket struct {
	id              string
	providerID      types.ProviderID
	estimatedTokens int64
	admittedAt      time.Time
	windowStart     time.Time
	expiresAt       time.Time
	probe           bool
}

// ID returns the ticket identifier.
func (t *Ticket) ID() string { return t.id }

// ProviderID returns the provider this ticket admits a call against.
func (t *Ticket) ProviderID() types.ProviderID { return t.providerID }

// AdmittedAt returns the admission time.
func (t *Ticket) AdmittedAt() time.Time { return t.admittedAt }

// Probe reports whether this ticket is a half-open breaker probe.
func (t *Ticket) Probe() bool { return t.probe }
