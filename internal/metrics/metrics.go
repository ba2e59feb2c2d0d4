// Package metrics provides success-rate windows, latency reservoirs, and
// token usage and cost tracking for the orchestration engine.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultWindowSize    = 50
	defaultReservoirSize = 256
)

// RollingWindow tracks the most recent N boolean outcomes. It backs the
// registry's per-agent success rate.
type RollingWindow struct {
	mu        sync.Mutex
	outcomes  []bool
	next      int
	filled    int
	successes int
}

// NewRollingWindow creates a window over the last size outcomes.
func NewRollingWindow(size int) *RollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &RollingWindow{outcomes: make([]bool, size)}
}

// Observe records one outcome, evicting the oldest when full.
func (w *RollingWindow) Observe(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.successes--
		}
	} else {
		w.filled++
	}

	w.outcomes[w.next] = success
	if success {
		w.successes++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

// Rate returns the fraction of successes in the window. An empty window
// reports 1.0 so that fresh agents are not ranked below proven ones.
func (w *RollingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == 0 {
		return 1.0
	}
	return float64(w.successes) / float64(w.filled)
}

// Count returns the number of recorded outcomes, capped at the window size.
func (w *RollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled
}

// Reservoir keeps a bounded ring of recent durations for percentile
// estimation. It backs the provider pool's latency stats.
type Reservoir struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  int
}

// NewReservoir creates a reservoir over the last size samples.
func NewReservoir(size int) *Reservoir {
	if size <= 0 {
		size = defaultReservoirSize
	}
	return &Reservoir{samples: make([]time.Duration, size)}
}

// Observe records one sample, evicting the oldest when full.
func (r *Reservoir) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.filled < len(r.samples) {
		r.filled++
	}
}

// Percentile returns the nearest-rank percentile of the recorded samples.
// p is in (0, 100]. An empty reservoir returns 0.
func (r *Reservoir) Percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == 0 {
		return 0
	}

	sorted := make([]time.Duration, r.filled)
	copy(sorted, r.samples[:r.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(p / 100 * float64(r.filled))
	if rank >= r.filled {
		rank = r.filled - 1
	}
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// LatencySnapshot is a point-in-time percentile summary.
type LatencySnapshot struct {
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Snapshot returns the standard percentile summary.
func (r *Reservoir) Snapshot() LatencySnapshot {
	return LatencySnapshot{
		P50:   r.Percentile(50),
		P95:   r.Percentile(95),
		P99:   r.Percentile(99),
		Count: r.Count(),
	}
}

// Count returns the number of recorded samples, capped at the reservoir size.
func (r *Reservoir) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

// Usage accumulates token and dollar spend.
type Usage struct {
	mu            sync.Mutex
	tokens        int64
	costUSD       float64
	lastUpdatedAt time.Time
}

// Add records spend.
func (u *Usage) Add(tokens int64, costUSD float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens += tokens
	u.costUSD += costUSD
	u.lastUpdatedAt = time.Now()
}

// Snapshot returns the accumulated totals.
func (u *Usage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageSnapshot{
		TokensUsed:    u.tokens,
		CostUSD:       u.costUSD,
		LastUpdatedAt: u.lastUpdatedAt,
	}
}

// UsageSnapshot holds accumulated token and cost totals.
type UsageSnapshot struct {
	TokensUsed    int64     `json:"tokensUsed"`
	CostUSD       float64   `json:"costUSD"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// FormatCostDisplay returns a human-readable cost string (e.g., "$0.0892").
func (s UsageSnapshot) FormatCostDisplay() string {
	return fmt.Sprintf("$%.4f", s.CostUSD)
}

// FormatTokensDisplay returns a human-readable token count (e.g., "27k").
func (s UsageSnapshot) FormatTokensDisplay() string {
	if s.TokensUsed >= 1000 {
		return fmt.Sprintf("%dk", s.TokensUsed/1000)
	}
	return fmt.Sprintf("%d", s.TokensUsed)
}
