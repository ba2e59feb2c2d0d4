package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

type stubProvider struct {
	id types.ProviderID
}

func (s stubProvider) ID() types.ProviderID { return s.id }
func (s stubProvider) Invoke(context.Context, Request) (Response, error) {
	return Response{Payload: types.TextPayload("stub")}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	Register("stub-service", func() Provider { return stubProvider{id: "stub-service"} })

	p, err := Get("stub-service")
	require.NoError(t, err)
	require.Equal(t, types.ProviderID("stub-service"), p.ID())
	require.True(t, IsRegistered("stub-service"))
}

func TestRegistry_GetUnknownFails(t *testing.T) {
	_, err := Get("never-registered")
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.False(t, IsRegistered("never-registered"))
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	Register("swap-service", func() Provider { return stubProvider{id: "swap-service"} })
	Register("swap-service", func() Provider { return stubProvider{id: "swap-service-v2"} })

	p, err := Get("swap-service")
	require.NoError(t, err)
	require.Equal(t, types.ProviderID("swap-service-v2"), p.ID())
}

func TestRegistry_LocalProviderRegisteredByDefault(t *testing.T) {
	require.True(t, IsRegistered(LocalProviderID))
	require.Contains(t, Registered(), LocalProviderID)
}
