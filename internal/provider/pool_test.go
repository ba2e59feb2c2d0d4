package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

const testProvider = types.ProviderID("openai")

// newTestPool builds a pool with an hour-long window and a quiet sweep so
// tests can drive rolls and reclaims through sweepOnce directly.
func newTestPool(t *testing.T, cfg Config) *inMemoryPool {
	t.Helper()

	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	p := New(cfg).(*inMemoryPool)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func configureTestProvider(t *testing.T, p Pool, quota Quota) {
	t.Helper()
	require.NoError(t, p.Configure(testProvider, quota))
}

type submitResult struct {
	ticket *Ticket
	err    error
}

func submitAsync(p Pool, estimatedTokens int64, deadline time.Time) <-chan submitResult {
	results := make(chan submitResult, 1)
	go func() {
		ticket, err := p.Submit(context.Background(), testProvider, estimatedTokens, deadline)
		results <- submitResult{ticket: ticket, err: err}
	}()
	return results
}

func TestPool_SubmitAdmitsWithinQuota(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 2})

	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, ticket)
	require.Equal(t, testProvider, ticket.ProviderID())

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 1, stats.UsedRequests)
	require.Equal(t, int64(100), stats.UsedTokens)
	require.Equal(t, 1, stats.InFlight)
	require.Equal(t, Healthy, stats.Health)

	p.Release(ticket, 40)

	stats, err = p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 0, stats.InFlight)
	require.Equal(t, int64(40), stats.UsedTokens)
	require.Equal(t, 1, stats.Latency.Count)
}

func TestPool_SubmitUnknownProvider(t *testing.T) {
	p := newTestPool(t, Config{})

	_, err := p.Submit(context.Background(), "nope", 10, time.Time{})
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = p.Stats("nope")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestPool_ConfigureValidation(t *testing.T) {
	p := newTestPool(t, Config{})

	tests := []struct {
		name  string
		id    types.ProviderID
		quota Quota
	}{
		{"empty provider id", "", Quota{RequestsPerWindow: 1, TokensPerWindow: 1, MaxConcurrent: 1}},
		{"zero requests", testProvider, Quota{TokensPerWindow: 1, MaxConcurrent: 1}},
		{"zero tokens", testProvider, Quota{RequestsPerWindow: 1, MaxConcurrent: 1}},
		{"zero concurrency", testProvider, Quota{RequestsPerWindow: 1, TokensPerWindow: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, p.Configure(tt.id, tt.quota))
		})
	}
}

func TestPool_SubmitQueuesAtConcurrencyLimit(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	first, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)

	results := submitAsync(p, 10, time.Time{})

	require.Eventually(t, func() bool {
		stats, err := p.Stats(testProvider)
		return err == nil && stats.QueueDepth == 1
	}, time.Second, 5*time.Millisecond)

	p.Release(first, 10)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.NotNil(t, r.ticket)
		p.Release(r.ticket, 10)
	case <-time.After(time.Second):
		t.Fatal("queued submit was not admitted after release")
	}
}

func TestPool_SubmitTimesOutWhileQueued(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	first, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	defer p.Release(first, 10)

	start := time.Now()
	_, err = p.Submit(context.Background(), testProvider, 10, time.Now().Add(50*time.Millisecond))
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 0, stats.QueueDepth)
}

func TestPool_SubmitFailsFastOnPastDeadline(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	_, err := p.Submit(context.Background(), testProvider, 10, time.Now().Add(-time.Second))
	require.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestPool_SubmitHonorsContextCancellation(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	first, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	defer p.Release(first, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Submit(ctx, testProvider, 10, time.Time{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_SubmitQueueFull(t *testing.T) {
	p := newTestPool(t, Config{QueueLimit: 1})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	first, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)

	results := submitAsync(p, 10, time.Time{})

	require.Eventually(t, func() bool {
		stats, err := p.Stats(testProvider)
		return err == nil && stats.QueueDepth == 1
	}, time.Second, 5*time.Millisecond)

	_, err = p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.ErrorIs(t, err, ErrQueueFull)

	p.Release(first, 10)
	r := <-results
	require.NoError(t, r.err)
	p.Release(r.ticket, 10)
}

func TestPool_SubmitBudgetExhausted(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 2})

	_, err := p.Submit(context.Background(), testProvider, 5000, time.Time{})
	require.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestPool_ReleaseRefundsUnusedEstimate(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 2})

	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 0)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.UsedTokens)
}

func TestPool_ReleaseClampsToWindowLimit(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 300, MaxConcurrent: 2})

	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 900)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, int64(300), stats.UsedTokens)
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 2})

	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 50)
	p.Release(ticket, 50)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 0, stats.InFlight)
	require.Equal(t, int64(50), stats.UsedTokens)
}

func TestPool_WindowRollResetsCountersAndDrains(t *testing.T) {
	rolls := make(chan Snapshot, 4)
	p := newTestPool(t, Config{
		OnQuotaRoll: func(_ types.ProviderID, closing Snapshot) { rolls <- closing },
	})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 1, TokensPerWindow: 1000, MaxConcurrent: 2})

	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 100)

	// Request budget is spent, so the next submit waits for the roll.
	results := submitAsync(p, 100, time.Time{})
	require.Eventually(t, func() bool {
		stats, err := p.Stats(testProvider)
		return err == nil && stats.QueueDepth == 1
	}, time.Second, 5*time.Millisecond)

	p.sweepOnce(time.Now().Add(p.window + time.Minute))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		p.Release(r.ticket, 100)
	case <-time.After(time.Second):
		t.Fatal("queued submit was not admitted after window roll")
	}

	select {
	case closing := <-rolls:
		require.Equal(t, testProvider, closing.ProviderID)
		require.Equal(t, 1, closing.UsedRequests)
	case <-time.After(time.Second):
		t.Fatal("quota roll hook did not fire")
	}
}

func TestPool_ConfigureStagedUntilNextRoll(t *testing.T) {
	changes := make(chan Quota, 4)
	p := newTestPool(t, Config{
		OnConfigChange: func(_ types.ProviderID, quota Quota) { changes <- quota },
	})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 2})

	require.NoError(t, p.Configure(testProvider, Quota{RequestsPerWindow: 5, TokensPerWindow: 500, MaxConcurrent: 1}))

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 10, stats.RequestsPerWindow, "staged quota must not apply mid-window")

	p.sweepOnce(time.Now().Add(p.window + time.Minute))

	stats, err = p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 5, stats.RequestsPerWindow)
	require.Equal(t, int64(500), stats.TokensPerWindow)

	for range 2 {
		select {
		case <-changes:
		case <-time.After(time.Second):
			t.Fatal("config change hook did not fire")
		}
	}
}

func TestPool_RestoreChargesCurrentWindow(t *testing.T) {
	p := newTestPool(t, Config{})
	quota := Quota{RequestsPerWindow: 3, TokensPerWindow: 1000, MaxConcurrent: 2}
	configureTestProvider(t, p, quota)

	windowStart := time.Now().Truncate(p.window)
	require.NoError(t, p.Restore(testProvider, quota, windowStart, 2, 600))

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 2, stats.UsedRequests)
	require.Equal(t, int64(600), stats.UsedTokens)

	// One request slot remains in the restored window.
	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 100)

	stats, err = p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 3, stats.UsedRequests)
}

func TestPool_RestoreIgnoresClosedWindow(t *testing.T) {
	p := newTestPool(t, Config{})
	quota := Quota{RequestsPerWindow: 3, TokensPerWindow: 1000, MaxConcurrent: 2}
	configureTestProvider(t, p, quota)

	stale := time.Now().Truncate(p.window).Add(-2 * p.window)
	require.NoError(t, p.Restore(testProvider, quota, stale, 3, 1000))

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Zero(t, stats.UsedRequests)
	require.Zero(t, stats.UsedTokens)
}

func TestPool_RestoreCreatesUnconfiguredProvider(t *testing.T) {
	p := newTestPool(t, Config{})
	quota := Quota{RequestsPerWindow: 5, TokensPerWindow: 500, MaxConcurrent: 1}

	require.NoError(t, p.Restore(testProvider, quota, time.Time{}, 0, 0))

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 5, stats.RequestsPerWindow)
	require.Equal(t, Healthy, stats.Health)

	// A restore without a usable quota cannot invent a provider.
	require.Error(t, p.Restore("anthropic", Quota{}, time.Time{}, 0, 0))
}

func TestPool_DisableFailsQueuedAndNewCalls(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	first, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	defer p.Release(first, 10)

	results := submitAsync(p, 10, time.Time{})
	require.Eventually(t, func() bool {
		stats, err := p.Stats(testProvider)
		return err == nil && stats.QueueDepth == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Disable(testProvider))

	r := <-results
	require.ErrorIs(t, r.err, ErrProviderDisabled)

	_, err = p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.ErrorIs(t, err, ErrProviderDisabled)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.True(t, stats.Disabled)
	require.Equal(t, Offline, stats.Health)
}

func TestPool_EnableRestoresAdmission(t *testing.T) {
	p := newTestPool(t, Config{})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	require.NoError(t, p.Disable(testProvider))
	require.NoError(t, p.Enable(testProvider))

	ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 10)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.False(t, stats.Disabled)
	require.Equal(t, Healthy, stats.Health)
}

func TestPool_BreakerDegradesAndHalvesConcurrency(t *testing.T) {
	p := newTestPool(t, Config{DegradedAfter: 2, OfflineAfter: 10})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 100, TokensPerWindow: 10000, MaxConcurrent: 4})

	for range 2 {
		ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
		require.NoError(t, err)
		p.Release(ticket, 10)
		p.RecordFailure(ticket, fault.KindProviderTransient)
	}

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, Degraded, stats.Health)
	require.Equal(t, 2, stats.MaxConcurrent)

	ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	p.Release(ticket, 10)
	p.RecordSuccess(ticket)

	stats, err = p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, Healthy, stats.Health)
	require.Equal(t, 4, stats.MaxConcurrent)
}

func TestPool_BreakerIgnoresNonTransientFailures(t *testing.T) {
	p := newTestPool(t, Config{DegradedAfter: 2, OfflineAfter: 10})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 100, TokensPerWindow: 10000, MaxConcurrent: 4})

	for range 5 {
		ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
		require.NoError(t, err)
		p.Release(ticket, 10)
		p.RecordFailure(ticket, fault.KindProviderAuth)
	}

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, Healthy, stats.Health)
}

func TestPool_BreakerOpensAfterSustainedFailures(t *testing.T) {
	p := newTestPool(t, Config{DegradedAfter: 2, OfflineAfter: 4})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 100, TokensPerWindow: 10000, MaxConcurrent: 4})

	for range 4 {
		ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
		require.NoError(t, err)
		p.Release(ticket, 10)
		p.RecordFailure(ticket, fault.KindProviderUnavailable)
	}

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, Offline, stats.Health)

	_, err = p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.ErrorIs(t, err, ErrProviderDisabled)
}

// openTestCircuit drives the provider offline and rewinds openedAt so the
// cooldown has already elapsed.
func openTestCircuit(t *testing.T, p *inMemoryPool) {
	t.Helper()

	for range p.offlineAfter {
		ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
		require.NoError(t, err)
		p.Release(ticket, 10)
		p.RecordFailure(ticket, fault.KindProviderTransient)
	}

	p.mu.Lock()
	p.providers[testProvider].openedAt = time.Now().Add(-p.cooldown - time.Minute)
	p.mu.Unlock()
}

func TestPool_BreakerHalfOpenProbesCloseCircuit(t *testing.T) {
	p := newTestPool(t, Config{DegradedAfter: 1, OfflineAfter: 2, ProbeLimit: 2, Cooldown: 10 * time.Minute})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 100, TokensPerWindow: 10000, MaxConcurrent: 4})
	openTestCircuit(t, p)

	probes := make([]*Ticket, 0, 2)
	for range 2 {
		ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
		require.NoError(t, err)
		require.True(t, ticket.Probe())
		probes = append(probes, ticket)
	}

	// Probe budget for this cooldown is spent.
	_, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.ErrorIs(t, err, ErrProviderDisabled)

	for _, ticket := range probes {
		p.Release(ticket, 10)
		p.RecordSuccess(ticket)
	}

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, Healthy, stats.Health)

	ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	require.False(t, ticket.Probe())
	p.Release(ticket, 10)
}

func TestPool_BreakerProbeFailureReopensCircuit(t *testing.T) {
	p := newTestPool(t, Config{DegradedAfter: 1, OfflineAfter: 2, ProbeLimit: 2, Cooldown: 10 * time.Minute})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 100, TokensPerWindow: 10000, MaxConcurrent: 4})
	openTestCircuit(t, p)

	probe, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)
	require.True(t, probe.Probe())
	p.Release(probe, 10)
	p.RecordFailure(probe, fault.KindProviderTransient)

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, Offline, stats.Health)

	// Cooldown restarted, so probes are refused again.
	_, err = p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.ErrorIs(t, err, ErrProviderDisabled)
}

func TestPool_WatchdogReclaimsOverdueTickets(t *testing.T) {
	p := newTestPool(t, Config{ReleaseGrace: 50 * time.Millisecond})
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	ticket, err := p.Submit(context.Background(), testProvider, 100, time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)

	p.sweepOnce(time.Now().Add(time.Second))

	stats, err := p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 0, stats.InFlight)

	// A late release of a reclaimed ticket must not reconcile anything.
	p.Release(ticket, 5)
	stats, err = p.Stats(testProvider)
	require.NoError(t, err)
	require.Equal(t, 0, stats.InFlight)
	require.Equal(t, int64(100), stats.UsedTokens)
}

func TestPool_ShutdownWaitsForOutstandingTickets(t *testing.T) {
	p := New(Config{Window: time.Hour, SweepInterval: time.Hour}).(*inMemoryPool)
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	ticket, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(ticket, 10)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	_, err = p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ShutdownFailsQueuedAndTimesOutOnHeldTickets(t *testing.T) {
	p := New(Config{Window: time.Hour, SweepInterval: time.Hour}).(*inMemoryPool)
	configureTestProvider(t, p, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1})

	_, err := p.Submit(context.Background(), testProvider, 10, time.Time{})
	require.NoError(t, err)

	results := submitAsync(p, 10, time.Time{})
	require.Eventually(t, func() bool {
		stats, err := p.Stats(testProvider)
		return err == nil && stats.QueueDepth == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	r := <-results
	require.ErrorIs(t, r.err, ErrPoolClosed)
}

func TestPool_ListOrdersByProviderID(t *testing.T) {
	p := newTestPool(t, Config{})
	for _, id := range []types.ProviderID{"deepgram", "anthropic", "openai"} {
		require.NoError(t, p.Configure(id, Quota{RequestsPerWindow: 10, TokensPerWindow: 1000, MaxConcurrent: 1}))
	}

	snaps := p.List()
	require.Len(t, snaps, 3)
	require.Equal(t, types.ProviderID("anthropic"), snaps[0].ProviderID)
	require.Equal(t, types.ProviderID("deepgram"), snaps[1].ProviderID)
	require.Equal(t, types.ProviderID("openai"), snaps[2].ProviderID)
}

func TestPool_CountersStayBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := New(Config{Window: time.Hour, SweepInterval: time.Hour}).(*inMemoryPool)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		}()

		quota := Quota{
			RequestsPerWindow: 1000,
			TokensPerWindow:   100000,
			MaxConcurrent:     rapid.IntRange(1, 4).Draw(rt, "concurrency"),
		}
		require.NoError(t, p.Configure(testProvider, quota))

		var held []*Ticket
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for range steps {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				ticket, err := p.Submit(context.Background(), testProvider,
					int64(rapid.IntRange(0, 500).Draw(rt, "tokens")),
					time.Now().Add(time.Millisecond))
				if err == nil {
					held = append(held, ticket)
				}
			case 1:
				if len(held) > 0 {
					p.Release(held[0], int64(rapid.IntRange(0, 1000).Draw(rt, "actual")))
					held = held[1:]
				}
			case 2:
				if len(held) > 0 {
					p.RecordFailure(held[0], fault.KindProviderTransient)
				}
			case 3:
				if len(held) > 0 {
					p.RecordSuccess(held[0])
				}
			}

			stats, err := p.Stats(testProvider)
			require.NoError(rt, err)
			require.GreaterOrEqual(rt, stats.UsedRequests, 0)
			require.GreaterOrEqual(rt, stats.UsedTokens, int64(0))
			require.GreaterOrEqual(rt, stats.InFlight, 0)
			require.LessOrEqual(rt, stats.InFlight, quota.MaxConcurrent)
			require.LessOrEqual(rt, stats.UsedTokens, quota.TokensPerWindow)
		}

		for _, ticket := range held {
			p.Release(ticket, 0)
		}
	})
}
