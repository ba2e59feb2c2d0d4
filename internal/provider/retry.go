package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// DefaultMaxAttempts is the default attempt cap per call.
const DefaultMaxAttempts = 5

// DefaultInitialInterval is the default first retry delay.
const DefaultInitialInterval = time.Second

// DefaultMaxInterval is the default retry delay ceiling.
const DefaultMaxInterval = 30 * time.Second

// retryJitter is the randomization applied to every retry delay.
const retryJitter = 0.2

// CallFunc performs one provider call and reports the tokens it actually
// consumed, for window reconciliation.
type CallFunc func(ctx context.Context) (actualTokens int64, err error)

// ExecutorConfig holds configuration for the retry executor.
type ExecutorConfig struct {
	MaxAttempts     int           // attempt cap per call (default: 5)
	InitialInterval time.Duration // first retry delay (default: 1s)
	MaxInterval     time.Duration // retry delay ceiling (default: 30s)
}

// Executor runs provider calls through the pool with retries for transient
// failure. Every attempt takes its own admission ticket, so retries queue
// behind other traffic instead of holding a slot while backing off.
type Executor struct {
	pool            Pool
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewExecutor creates a retry executor backed by the given pool.
func NewExecutor(pool Pool, cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}

	return &Executor{
		pool:            pool,
		maxAttempts:     cfg.MaxAttempts,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
	}
}

// Execute admits, runs, and releases one provider call, retrying transient
// failures with exponential backoff. The returned token count is from the
// final attempt.
func (e *Executor) Execute(ctx context.Context, providerID types.ProviderID, estimatedTokens int64, deadline time.Time, call CallFunc) (int64, error) {
	attempt := 0

	operation := func() (int64, error) {
		attempt++

		ticket, err := e.pool.Submit(ctx, providerID, estimatedTokens, deadline)
		if err != nil {
			return 0, backoff.Permanent(wrapSubmitErr(err, providerID))
		}

		actual, err := call(ctx)
		e.pool.Release(ticket, actual)
		if err != nil {
			kind := fault.KindOf(err)
			e.pool.RecordFailure(ticket, kind)
			if kind.Retryable() {
				return actual, err
			}
			return actual, backoff.Permanent(err)
		}

		e.pool.RecordSuccess(ticket)
		return actual, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.initialInterval
	bo.MaxInterval = e.maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = retryJitter

	tokens, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug(log.CatPool, "Retrying provider call",
				"providerID", providerID.String(),
				"attempt", attempt,
				"wait", wait.Round(time.Millisecond).String(),
				"error", err.Error())
		}))
	if err != nil {
		return tokens, err
	}
	return tokens, nil
}

// wrapSubmitErr classifies pool admission failures for callers that only
// understand fault kinds. The pool sentinel stays reachable via errors.Is.
func wrapSubmitErr(err error, providerID types.ProviderID) error {
	switch {
	case errors.Is(err, ErrQueueFull):
		return fault.Wrap(fault.KindBackpressure, err, "provider %s saturated", providerID)
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindTimedOut, err, "provider %s admission timed out", providerID)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindCancelled, err, "provider %s call cancelled", providerID)
	case errors.Is(err, ErrProviderDisabled):
		return fault.Wrap(fault.KindProviderDisabled, err, "provider %s unavailable", providerID)
	case errors.Is(err, ErrBudgetExhausted):
		return fault.Wrap(fault.KindBudgetExhausted, err, "provider %s window budget exceeded", providerID)
	case errors.Is(err, ErrUnknownProvider):
		return fault.Wrap(fault.KindInvalidRequest, err, "provider %s is not configured", providerID)
	case errors.Is(err, ErrPoolClosed):
		return fault.Wrap(fault.KindProviderUnavailable, err, "provider pool shut down")
	default:
		return err
	}
}
