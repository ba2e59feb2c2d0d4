package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/metrics"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// === Errors ===

var (
	// ErrUnknownProvider is returned for provider ids with no configured quota.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrQueueFull is returned when the per-provider wait queue is at its bound.
	ErrQueueFull = errors.New("provider queue full")

	// ErrDeadlineExceeded is returned when a call's deadline passes before
	// admission.
	ErrDeadlineExceeded = errors.New("deadline exceeded before admission")

	// ErrProviderDisabled is returned when the provider is operator-disabled
	// or its circuit is open.
	ErrProviderDisabled = errors.New("provider disabled")

	// ErrBudgetExhausted is returned when a call can never fit the window
	// token budget.
	ErrBudgetExhausted = errors.New("token budget exhausted")

	// ErrPoolClosed is returned for operations on a shut-down pool.
	ErrPoolClosed = errors.New("provider pool is closed")
)

// === Configuration ===

// DefaultWindow is the default usage window length.
const DefaultWindow = time.Minute

// DefaultQueueLimit is the default per-provider wait queue bound.
const DefaultQueueLimit = 64

// DefaultDegradedAfter is the default consecutive transient failure count
// that degrades a provider.
const DefaultDegradedAfter = 3

// DefaultOfflineAfter is the default consecutive transient failure count
// that opens the circuit.
const DefaultOfflineAfter = 8

// DefaultCooldown is the default wait before an open circuit admits
// half-open probes.
const DefaultCooldown = 30 * time.Second

// DefaultProbeLimit is the default number of half-open probes per cooldown,
// and the successes required to close the circuit.
const DefaultProbeLimit = 5

// DefaultReleaseGrace is the default time past a call deadline before the
// watchdog reclaims an unreleased ticket.
const DefaultReleaseGrace = 5 * time.Second

// drainPollInterval is how often Shutdown re-checks outstanding tickets.
const drainPollInterval = 25 * time.Millisecond

// Config holds configuration for the provider pool.
type Config struct {
	Window        time.Duration // usage window length, wall-clock aligned (default: 1m)
	QueueLimit    int           // per-provider wait queue bound (default: 64)
	DegradedAfter int           // consecutive transient failures before Degraded (default: 3)
	OfflineAfter  int           // consecutive transient failures before Offline (default: 8)
	Cooldown      time.Duration // open circuit wait before half-open probes (default: 30s)
	ProbeLimit    int           // probes admitted per cooldown (default: 5)
	ReleaseGrace  time.Duration // ticket hold allowance past deadline (default: 5s)
	SweepInterval time.Duration // background roll/wake/reclaim cadence (default: min(Window/4, 1s))

	// OnQuotaRoll receives the closing window's snapshot on every roll.
	// Invoked on a separate goroutine.
	OnQuotaRoll func(id types.ProviderID, closing Snapshot)

	// OnConfigChange receives every accepted quota update. Invoked on a
	// separate goroutine.
	OnConfigChange func(id types.ProviderID, quota Quota)

	// OnHealthChange receives provider health transitions. Invoked on a
	// separate goroutine.
	OnHealthChange func(id types.ProviderID, from, to Health)
}

// === Pool ===

// Pool admits, meters, and shapes calls to external model providers.
type Pool interface {
	// Submit blocks until the call is admitted, the deadline passes, or ctx
	// is cancelled. The returned ticket must be released exactly once.
	Submit(ctx context.Context, providerID types.ProviderID, estimatedTokens int64, deadline time.Time) (*Ticket, error)

	// Release hands a ticket back and reconciles the window token counter
	// with the actual usage. Releasing a reclaimed ticket is a no-op.
	Release(ticket *Ticket, actualTokens int64)

	// RecordSuccess feeds a successful call outcome to the provider breaker.
	RecordSuccess(ticket *Ticket)

	// RecordFailure feeds a failed call outcome to the provider breaker.
	// Only transient kinds advance it.
	RecordFailure(ticket *Ticket, kind fault.Kind)

	// Stats returns the provider's current counters.
	Stats(providerID types.ProviderID) (Snapshot, error)

	// List returns a snapshot per configured provider, ordered by id.
	List() []Snapshot

	// Configure registers a provider or stages a quota update that takes
	// effect on the next window roll.
	Configure(providerID types.ProviderID, quota Quota) error

	// Restore seeds a provider from journaled state during recovery. An
	// unknown provider is created with the journaled quota; a provider the
	// config file already registered keeps its configured quota. Counters
	// are charged only when the journaled window is still the current
	// wall-clock window, so a fast restart cannot double-spend it.
	Restore(providerID types.ProviderID, quota Quota, windowStart time.Time, usedRequests int, usedTokens int64) error

	// Disable takes the provider offline and fails its queued callers.
	Disable(providerID types.ProviderID) error

	// Enable lifts an operator disable and resets the breaker.
	Enable(providerID types.ProviderID) error

	// Shutdown fails queued callers and waits for outstanding tickets up to
	// the context deadline.
	Shutdown(ctx context.Context) error
}

// grant is the admission verdict delivered to a queued caller.
type grant struct {
	ticket *Ticket
	err    error
}

// waiter is one queued Submit call.
type waiter struct {
	tokens   int64
	deadline time.Time
	enqueued time.Time
	ready    chan grant
}

// providerState is the per-provider ledger. Guarded by the pool mutex.
type providerState struct {
	id       types.ProviderID
	quota    Quota
	pending  *Quota
	health   Health
	disabled bool

	windowStart  time.Time
	usedRequests int
	usedTokens   int64
	inFlight     int

	queue []*waiter

	consecutiveTransient int
	openedAt             time.Time
	probesIssued         int
	probeSuccesses       int

	latency *metrics.Reservoir
}

// effectiveConcurrency returns the in-flight cap, halved while Degraded.
func (s *providerState) effectiveConcurrency() int {
	if s.health == Degraded {
		return max(1, s.quota.MaxConcurrent/2)
	}
	return s.quota.MaxConcurrent
}

// canAdmit reports whether one more call fits the window and concurrency
// limits.
func (s *providerState) canAdmit(tokens int64) bool {
	if s.inFlight >= s.effectiveConcurrency() {
		return false
	}
	if s.usedRequests+1 > s.quota.RequestsPerWindow {
		return false
	}
	if s.usedTokens+tokens > s.quota.TokensPerWindow {
		return false
	}
	return true
}

type inMemoryPool struct {
	mu        sync.Mutex
	providers map[types.ProviderID]*providerState
	tickets   map[string]*Ticket

	window        time.Duration
	queueLimit    int
	degradedAfter int
	offlineAfter  int
	cooldown      time.Duration
	probeLimit    int
	releaseGrace  time.Duration
	sweepInterval time.Duration

	onQuotaRoll    func(id types.ProviderID, closing Snapshot)
	onConfigChange func(id types.ProviderID, quota Quota)
	onHealthChange func(id types.ProviderID, from, to Health)

	ticketCounter atomic.Int64
	closed        atomic.Bool
	done          chan struct{}
}

// New creates a provider pool and starts its background sweep.
func New(cfg Config) Pool {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultDegradedAfter
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = DefaultOfflineAfter
	}
	if cfg.OfflineAfter <= cfg.DegradedAfter {
		cfg.OfflineAfter = cfg.DegradedAfter + 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = DefaultProbeLimit
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = DefaultReleaseGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = min(cfg.Window/4, time.Second)
	}

	p := &inMemoryPool{
		providers:      make(map[types.ProviderID]*providerState),
		tickets:        make(map[string]*Ticket),
		window:         cfg.Window,
		queueLimit:     cfg.QueueLimit,
		degradedAfter:  cfg.DegradedAfter,
		offlineAfter:   cfg.OfflineAfter,
		cooldown:       cfg.Cooldown,
		probeLimit:     cfg.ProbeLimit,
		releaseGrace:   cfg.ReleaseGrace,
		sweepInterval:  cfg.SweepInterval,
		onQuotaRoll:    cfg.OnQuotaRoll,
		onConfigChange: cfg.OnConfigChange,
		onHealthChange: cfg.OnHealthChange,
		done:           make(chan struct{}),
	}

	log.SafeGo("pool-sweep", p.sweep)

	return p
}

// Submit implements Pool.
func (p *inMemoryPool) Submit(ctx context.Context, providerID types.ProviderID, estimatedTokens int64, deadline time.Time) (*Ticket, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	now := time.Now()
	if !deadline.IsZero() && !now.Before(deadline) {
		return nil, fmt.Errorf("%w: deadline already passed", ErrDeadlineExceeded)
	}

	p.mu.Lock()
	ps, ok := p.providers[providerID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	p.rollLocked(ps, now)

	if ps.disabled {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, providerID)
	}

	probe := false
	if ps.health == Offline {
		if now.Sub(ps.openedAt) < p.cooldown || ps.probesIssued >= p.probeLimit {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s circuit open", ErrProviderDisabled, providerID)
		}
		probe = true
	}

	if estimatedTokens > ps.quota.TokensPerWindow {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: estimate %d exceeds window budget %d for %s",
			ErrBudgetExhausted, estimatedTokens, ps.quota.TokensPerWindow, providerID)
	}

	if len(ps.queue) == 0 && ps.canAdmit(estimatedTokens) {
		ticket := p.admitLocked(ps, estimatedTokens, deadline, now, probe)
		p.mu.Unlock()
		return ticket, nil
	}

	if probe {
		// Probes never queue; the breaker wants a fast verdict.
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s probing at capacity", ErrProviderDisabled, providerID)
	}

	if len(ps.queue) >= p.queueLimit {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at %d pending", ErrQueueFull, providerID, p.queueLimit)
	}

	w := &waiter{
		tokens:   estimatedTokens,
		deadline: deadline,
		enqueued: now,
		ready:    make(chan grant, 1),
	}
	ps.queue = append(ps.queue, w)
	depth := len(ps.queue)
	p.mu.Unlock()

	log.Debug(log.CatPool, "Call queued",
		"providerID", providerID.String(),
		"queueDepth", depth,
		"estimatedTokens", estimatedTokens)

	var deadlineCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case g := <-w.ready:
		return g.ticket, g.err
	case <-deadlineCh:
		return nil, p.abandon(ps, w, fmt.Errorf("%w: queued for %s",
			ErrDeadlineExceeded, time.Since(now).Round(time.Millisecond)))
	case <-ctx.Done():
		return nil, p.abandon(ps, w, ctx.Err())
	case <-p.done:
		return nil, p.abandon(ps, w, ErrPoolClosed)
	}
}

// abandon removes a queued waiter. When the pool admitted the waiter
// concurrently with the caller giving up, the unused ticket is released.
func (p *inMemoryPool) abandon(ps *providerState, w *waiter, cause error) error {
	p.mu.Lock()
	for i, queued := range ps.queue {
		if queued == w {
			ps.queue = append(ps.queue[:i], ps.queue[i+1:]...)
			p.mu.Unlock()
			return cause
		}
	}
	p.mu.Unlock()

	g := <-w.ready
	if g.ticket != nil {
		p.Release(g.ticket, 0)
	}
	return cause
}

// Release implements Pool.
func (p *inMemoryPool) Release(ticket *Ticket, actualTokens int64) {
	if ticket == nil {
		return
	}
	if actualTokens < 0 {
		actualTokens = 0
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tickets[ticket.id]; !ok {
		return
	}
	delete(p.tickets, ticket.id)

	ps, ok := p.providers[ticket.providerID]
	if !ok {
		return
	}
	p.rollLocked(ps, now)

	if ps.inFlight > 0 {
		ps.inFlight--
	}
	if ticket.windowStart.Equal(ps.windowStart) {
		ps.usedTokens += actualTokens - ticket.estimatedTokens
		if ps.usedTokens < 0 {
			ps.usedTokens = 0
		}
		if ps.usedTokens > ps.quota.TokensPerWindow {
			ps.usedTokens = ps.quota.TokensPerWindow
		}
	}
	ps.latency.Observe(now.Sub(ticket.admittedAt))

	p.drainLocked(ps, now)
}

// RecordSuccess implements Pool.
func (p *inMemoryPool) RecordSuccess(ticket *Ticket) {
	if ticket == nil {
		return
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[ticket.providerID]
	if !ok {
		return
	}
	p.rollLocked(ps, now)

	ps.consecutiveTransient = 0
	switch ps.health {
	case Degraded:
		p.transitionLocked(ps, Healthy, "call succeeded")
		p.drainLocked(ps, now)
	case Offline:
		if !ticket.probe {
			return
		}
		ps.probeSuccesses++
		if ps.probeSuccesses >= p.probeLimit {
			ps.probesIssued = 0
			ps.probeSuccesses = 0
			p.transitionLocked(ps, Healthy, "half-open probes succeeded")
			p.drainLocked(ps, now)
		}
	}
}

// RecordFailure implements Pool.
func (p *inMemoryPool) RecordFailure(ticket *Ticket, kind fault.Kind) {
	if ticket == nil || !kind.Retryable() {
		// Auth and bad-request failures say nothing about provider health.
		return
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[ticket.providerID]
	if !ok {
		return
	}
	p.rollLocked(ps, now)

	if ps.health == Offline {
		if ticket.probe {
			ps.openedAt = now
			ps.probesIssued = 0
			ps.probeSuccesses = 0
			log.Warn(log.CatPool, "Half-open probe failed, circuit stays open",
				"providerID", ps.id.String(),
				"kind", string(kind))
		}
		return
	}

	ps.consecutiveTransient++
	if ps.consecutiveTransient >= p.offlineAfter {
		ps.openedAt = now
		ps.probesIssued = 0
		ps.probeSuccesses = 0
		p.transitionLocked(ps, Offline,
			fmt.Sprintf("%d consecutive transient failures", ps.consecutiveTransient))
		return
	}
	if ps.consecutiveTransient >= p.degradedAfter && ps.health == Healthy {
		p.transitionLocked(ps, Degraded,
			fmt.Sprintf("%d consecutive transient failures", ps.consecutiveTransient))
	}
}

// Stats implements Pool.
func (p *inMemoryPool) Stats(providerID types.ProviderID) (Snapshot, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[providerID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	p.rollLocked(ps, now)
	return p.snapshotLocked(ps), nil
}

// List implements Pool.
func (p *inMemoryPool) List() []Snapshot {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	snaps := make([]Snapshot, 0, len(p.providers))
	for _, ps := range p.providers {
		p.rollLocked(ps, now)
		snaps = append(snaps, p.snapshotLocked(ps))
	}
	sortByProviderID(snaps)
	return snaps
}

// Configure implements Pool.
func (p *inMemoryPool) Configure(providerID types.ProviderID, quota Quota) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if !providerID.IsValid() {
		return fmt.Errorf("provider id is required")
	}
	if err := quota.Validate(); err != nil {
		return fmt.Errorf("quota for %s: %w", providerID, err)
	}

	now := time.Now()
	p.mu.Lock()
	ps, ok := p.providers[providerID]
	if !ok {
		ps = &providerState{
			id:          providerID,
			quota:       quota,
			health:      Healthy,
			windowStart: now.Truncate(p.window),
			latency:     metrics.NewReservoir(0),
		}
		p.providers[providerID] = ps
		p.mu.Unlock()

		log.Info(log.CatPool, "Provider configured",
			"providerID", providerID.String(),
			"requestsPerWindow", quota.RequestsPerWindow,
			"tokensPerWindow", quota.TokensPerWindow,
			"maxConcurrent", quota.MaxConcurrent)
		p.emitConfigChange(providerID, quota)
		return nil
	}

	p.rollLocked(ps, now)
	staged := quota
	ps.pending = &staged
	p.mu.Unlock()

	log.Info(log.CatPool, "Provider quota staged for next window",
		"providerID", providerID.String(),
		"requestsPerWindow", quota.RequestsPerWindow,
		"tokensPerWindow", quota.TokensPerWindow,
		"maxConcurrent", quota.MaxConcurrent)
	p.emitConfigChange(providerID, quota)
	return nil
}

// Restore implements Pool.
func (p *inMemoryPool) Restore(providerID types.ProviderID, quota Quota, windowStart time.Time, usedRequests int, usedTokens int64) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if !providerID.IsValid() {
		return fmt.Errorf("provider id is required")
	}

	now := time.Now()
	p.mu.Lock()
	ps, ok := p.providers[providerID]
	if !ok {
		if err := quota.Validate(); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("restored quota for %s: %w", providerID, err)
		}
		ps = &providerState{
			id:          providerID,
			quota:       quota,
			health:      Healthy,
			windowStart: now.Truncate(p.window),
			latency:     metrics.NewReservoir(0),
		}
		p.providers[providerID] = ps
	}

	restored := false
	if windowStart.Truncate(p.window).Equal(now.Truncate(p.window)) {
		if usedRequests > ps.usedRequests {
			ps.usedRequests = usedRequests
		}
		if usedTokens > ps.usedTokens {
			ps.usedTokens = usedTokens
		}
		restored = true
	}
	p.mu.Unlock()

	log.Info(log.CatPool, "Provider state restored",
		"providerID", providerID.String(),
		"known", ok,
		"windowCurrent", restored,
		"usedRequests", usedRequests,
		"usedTokens", usedTokens)
	return nil
}

// Disable implements Pool.
func (p *inMemoryPool) Disable(providerID types.ProviderID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	ps.disabled = true
	p.transitionLocked(ps, Offline, "operator disable")
	p.failQueueLocked(ps, fmt.Errorf("%w: %s", ErrProviderDisabled, providerID))
	return nil
}

// Enable implements Pool.
func (p *inMemoryPool) Enable(providerID types.ProviderID) error {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	ps.disabled = false
	ps.consecutiveTransient = 0
	ps.probesIssued = 0
	ps.probeSuccesses = 0
	if ps.health == Offline {
		p.transitionLocked(ps, Healthy, "operator enable")
	}
	p.drainLocked(ps, now)
	return nil
}

// Shutdown implements Pool.
func (p *inMemoryPool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)

	p.mu.Lock()
	for _, ps := range p.providers {
		p.failQueueLocked(ps, ErrPoolClosed)
	}
	outstanding := len(p.tickets)
	p.mu.Unlock()

	log.Debug(log.CatPool, "Pool shutting down", "outstandingTickets", outstanding)

	for {
		p.mu.Lock()
		remaining := len(p.tickets)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			p.mu.Lock()
			for id, t := range p.tickets {
				if ps, ok := p.providers[t.providerID]; ok && ps.inFlight > 0 {
					ps.inFlight--
				}
				delete(p.tickets, id)
			}
			p.mu.Unlock()
			log.Warn(log.CatPool, "Pool shutdown abandoned outstanding tickets", "count", remaining)
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// === Internals ===

// admitLocked charges the window counters and issues a ticket.
func (p *inMemoryPool) admitLocked(ps *providerState, tokens int64, deadline time.Time, now time.Time, probe bool) *Ticket {
	ps.usedRequests++
	ps.usedTokens += tokens
	ps.inFlight++
	if probe {
		ps.probesIssued++
	}

	t := &Ticket{
		id:              fmt.Sprintf("call-%d", p.ticketCounter.Add(1)),
		providerID:      ps.id,
		estimatedTokens: tokens,
		admittedAt:      now,
		windowStart:     ps.windowStart,
		probe:           probe,
	}
	if !deadline.IsZero() {
		t.expiresAt = deadline.Add(p.releaseGrace)
	}
	p.tickets[t.id] = t
	return t
}

// rollLocked resets the window counters once the wall clock has crossed a
// window boundary, applies any staged quota, and re-examines the queue.
func (p *inMemoryPool) rollLocked(ps *providerState, now time.Time) {
	if now.Sub(ps.windowStart) < p.window {
		return
	}

	closing := p.snapshotLocked(ps)
	ps.windowStart = now.Truncate(p.window)
	ps.usedRequests = 0
	ps.usedTokens = 0
	ps.consecutiveTransient = 0
	if ps.pending != nil {
		ps.quota = *ps.pending
		ps.pending = nil
		log.Debug(log.CatPool, "Staged quota applied",
			"providerID", ps.id.String(),
			"requestsPerWindow", ps.quota.RequestsPerWindow,
			"tokensPerWindow", ps.quota.TokensPerWindow,
			"maxConcurrent", ps.quota.MaxConcurrent)
	}

	if p.onQuotaRoll != nil {
		hook := p.onQuotaRoll
		log.SafeGo("pool-quota-roll-hook", func() { hook(closing.ProviderID, closing) })
	}

	p.drainLocked(ps, now)
}

// drainLocked wakes queued callers whose deadlines have passed, then admits
// from the head of the queue while capacity allows.
func (p *inMemoryPool) drainLocked(ps *providerState, now time.Time) {
	kept := ps.queue[:0]
	for _, w := range ps.queue {
		if !w.deadline.IsZero() && !now.Before(w.deadline) {
			w.ready <- grant{err: fmt.Errorf("%w: queued for %s",
				ErrDeadlineExceeded, now.Sub(w.enqueued).Round(time.Millisecond))}
			continue
		}
		kept = append(kept, w)
	}
	ps.queue = kept

	for len(ps.queue) > 0 {
		head := ps.queue[0]
		if !ps.canAdmit(head.tokens) {
			return
		}
		ps.queue = ps.queue[1:]
		head.ready <- grant{ticket: p.admitLocked(ps, head.tokens, head.deadline, now, false)}
	}
}

// failQueueLocked delivers cause to every queued caller and empties the queue.
func (p *inMemoryPool) failQueueLocked(ps *providerState, cause error) {
	for _, w := range ps.queue {
		w.ready <- grant{err: cause}
	}
	ps.queue = nil
}

// transitionLocked moves the provider to the target health state and fires
// the health hook.
func (p *inMemoryPool) transitionLocked(ps *providerState, to Health, reason string) {
	from := ps.health
	if from == to {
		return
	}
	if !from.CanTransitionTo(to) {
		log.Error(log.CatPool, "Rejected provider health transition",
			"providerID", ps.id.String(),
			"from", string(from),
			"to", string(to))
		return
	}
	ps.health = to

	log.Info(log.CatPool, "Provider health changed",
		"providerID", ps.id.String(),
		"from", string(from),
		"to", string(to),
		"reason", reason)

	if p.onHealthChange != nil {
		hook := p.onHealthChange
		id := ps.id
		log.SafeGo("pool-health-hook", func() { hook(id, from, to) })
	}
}

func (p *inMemoryPool) emitConfigChange(id types.ProviderID, quota Quota) {
	if p.onConfigChange == nil {
		return
	}
	hook := p.onConfigChange
	log.SafeGo("pool-config-hook", func() { hook(id, quota) })
}

func (p *inMemoryPool) snapshotLocked(ps *providerState) Snapshot {
	s := Snapshot{
		ProviderID:        ps.id,
		Health:            ps.health,
		Disabled:          ps.disabled,
		WindowStart:       ps.windowStart,
		UsedRequests:      ps.usedRequests,
		RequestsPerWindow: ps.quota.RequestsPerWindow,
		UsedTokens:        ps.usedTokens,
		TokensPerWindow:   ps.quota.TokensPerWindow,
		InFlight:          ps.inFlight,
		MaxConcurrent:     ps.effectiveConcurrency(),
		QueueDepth:        len(ps.queue),
		Latency:           ps.latency.Snapshot(),
	}
	if s.UsedRequests < 0 {
		s.UsedRequests = 0
	}
	if s.UsedTokens < 0 {
		s.UsedTokens = 0
	}
	if s.InFlight < 0 {
		s.InFlight = 0
	}
	return s
}

// sweep runs the background roll, wake, and reclaim pass until shutdown.
func (p *inMemoryPool) sweep() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.sweepOnce(now)
		}
	}
}

// sweepOnce rolls windows, wakes expired waiters, and reclaims tickets held
// past their deadline grace.
func (p *inMemoryPool) sweepOnce(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ps := range p.providers {
		p.rollLocked(ps, now)
		p.drainLocked(ps, now)
	}

	for id, t := range p.tickets {
		if t.expiresAt.IsZero() || now.Before(t.expiresAt) {
			continue
		}
		delete(p.tickets, id)
		ps, ok := p.providers[t.providerID]
		if !ok {
			continue
		}
		if ps.inFlight > 0 {
			ps.inFlight--
		}
		if t.probe && ps.probesIssued > 0 {
			ps.probesIssued--
		}
		log.Warn(log.CatPool, "Reclaimed ticket held past deadline grace",
			"ticketID", id,
			"providerID", t.providerID.String(),
			"heldFor", now.Sub(t.admittedAt).Round(time.Millisecond).String())
		p.drainLocked(ps, now)
	}
}

// sortByProviderID orders snapshots by provider id.
func sortByProviderID(snaps []Snapshot) {
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j].ProviderID < snaps[j-1].ProviderID; j-- {
			snaps[j], snaps[j-1] = snaps[j-1], snaps[j]
		}
	}
}
