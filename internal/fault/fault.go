// Package fault defines the error taxonomy shared across the orchestration
// tiers. Components wrap their local sentinel errors into a fault.Error at
// tier boundaries so that kinds survive propagation from sub-agent to
// supervisor to orchestrator to client without leaking internal detail.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing and client reporting.
type Kind string

// ===========================================================================
// Client faults: surfaced to the client, never retried by the engine.
// ===========================================================================

const (
	// KindUnauthorized indicates the session credential was rejected.
	KindUnauthorized Kind = "Unauthorized"

	// KindAuthExpired indicates the principal's credential was rotated or
	// revoked while sessions were live.
	KindAuthExpired Kind = "AuthExpired"

	// KindInvalidRequest indicates a malformed or unknown submission.
	KindInvalidRequest Kind = "InvalidRequest"
)

// ===========================================================================
// Admission faults: surfaced to the client, which may retry.
// ===========================================================================

const (
	// KindNoCapableAgent indicates no Ready agent matched the capability.
	KindNoCapableAgent Kind = "NoCapableAgent"

	// KindQueueTimeout indicates a queued task's deadline passed before
	// admission.
	KindQueueTimeout Kind = "QueueTimeout"

	// KindSessionBusy indicates the session's submission threshold was hit
	// under backpressure.
	KindSessionBusy Kind = "SessionBusy"
)

// ===========================================================================
// Lifecycle endings: terminal.
// ===========================================================================

const (
	// KindTimedOut indicates the task deadline elapsed.
	KindTimedOut Kind = "TimedOut"

	// KindCancelled indicates cooperative cancellation completed.
	KindCancelled Kind = "Cancelled"
)

// ===========================================================================
// Supervisor faults: terminal for the parent task.
// ===========================================================================

const (
	// KindSubAgentTimeout indicates a sub-task missed its share of the
	// parent deadline.
	KindSubAgentTimeout Kind = "SubAgentTimeout"

	// KindAggregationFailed indicates result merging failed after sub-tasks
	// returned.
	KindAggregationFailed Kind = "AggregationFailed"
)

// ===========================================================================
// Provider faults.
// ===========================================================================

const (
	// KindProviderTransient covers 5xx-equivalent and network timeouts;
	// retried by the provider pool.
	KindProviderTransient Kind = "ProviderError/Transient"

	// KindProviderAuth covers credential rejection by the provider; never
	// retried.
	KindProviderAuth Kind = "ProviderError/Auth"

	// KindProviderBadRequest covers malformed provider calls; never retried.
	KindProviderBadRequest Kind = "ProviderError/BadRequest"

	// KindProviderRateLimited covers provider-side throttling; retried with
	// backoff.
	KindProviderRateLimited Kind = "ProviderError/RateLimited"

	// KindProviderUnavailable covers provider outage signals; retried.
	KindProviderUnavailable Kind = "ProviderError/Unavailable"

	// KindBudgetExhausted indicates a time, token, or cost budget ran out.
	KindBudgetExhausted Kind = "BudgetExhausted"

	// KindProviderDisabled indicates the provider is administratively or
	// circuit-open disabled.
	KindProviderDisabled Kind = "ProviderDisabled"
)

// ===========================================================================
// Engine signals.
// ===========================================================================

const (
	// KindBackpressure is a bus-level signal to slow producers. It is never
	// surfaced to clients directly; the session boundary translates
	// sustained backpressure to SessionBusy.
	KindBackpressure Kind = "Backpressure"

	// KindInternal marks an unexpected invariant violation. The task is
	// terminated Failed and details stay in the logs.
	KindInternal Kind = "InternalError"
)

// Retryable reports whether the pool may retry a failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindProviderTransient, KindProviderRateLimited, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether the kind ends a task lifecycle.
func (k Kind) Terminal() bool {
	switch k {
	case KindTimedOut, KindCancelled, KindSubAgentTimeout, KindAggregationFailed,
		KindBudgetExhausted, KindInternal:
		return true
	default:
		return false
	}
}

// Error carries a Kind plus a client-safe message across tier boundaries.
// The wrapped cause is preserved for logs but never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New creates a fault with the given kind and client-safe message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// ClientMessage returns the message safe to send over the wire. It never
// includes the wrapped cause.
func (e *Error) ClientMessage() string {
	return e.Message
}

// KindOf extracts the Kind from any error. Unclassified errors report
// KindInternal: unexpected conditions must never masquerade as client faults.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
