package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedChain(t *testing.T) {
	cause := errors.New("socket reset")
	err := Wrap(KindProviderTransient, cause, "provider %s unreachable", "openai")

	wrapped := fmt.Errorf("dispatch failed: %w", err)

	require.Equal(t, KindProviderTransient, KindOf(wrapped))
	require.True(t, IsKind(wrapped, KindProviderTransient))
	require.ErrorIs(t, wrapped, cause)
}

func TestKindOf_UnclassifiedIsInternal(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestClientMessage_HidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused on 10.0.0.4")
	err := Wrap(KindProviderUnavailable, cause, "provider temporarily unavailable")

	require.Equal(t, "provider temporarily unavailable", err.ClientMessage())
	require.NotContains(t, err.ClientMessage(), "10.0.0.4")
	// The full Error() string keeps the cause for logs.
	require.Contains(t, err.Error(), "10.0.0.4")
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindProviderTransient, KindProviderRateLimited, KindProviderUnavailable}
	for _, k := range retryable {
		require.True(t, k.Retryable(), "kind %s should be retryable", k)
	}

	never := []Kind{
		KindProviderAuth, KindProviderBadRequest, KindUnauthorized,
		KindInvalidRequest, KindBudgetExhausted, KindProviderDisabled,
		KindCancelled, KindTimedOut,
	}
	for _, k := range never {
		require.False(t, k.Retryable(), "kind %s should not be retryable", k)
	}
}

func TestKind_Terminal(t *testing.T) {
	require.True(t, KindTimedOut.Terminal())
	require.True(t, KindCancelled.Terminal())
	require.True(t, KindInternal.Terminal())
	require.False(t, KindBackpressure.Terminal())
	require.False(t, KindProviderTransient.Terminal())
}
