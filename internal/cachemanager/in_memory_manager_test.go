package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	})
}

type exampleEntry struct {
	ID   int
	Name string
}

func TestInMemoryCacheManager_GetExistingValue_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, exampleEntry]("audit-cache", DefaultExpiration, DefaultCleanupInterval)
	entry := exampleEntry{
		Name: "route",
	}
	cache.Set(context.Background(), "task:1", entry, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "task:1")
	require.True(t, ok)
	require.Equal(t, entry, got)
}

func TestInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedup-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "msg", "seen", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "msg")
	require.True(t, ok)
	require.Equal(t, "seen", got)
}

func TestInMemoryCacheManager_GetWithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedup-cache", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "msg")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithExistingInvalidValueType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedup-cache", DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("msg", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "msg")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithRefresh_WithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("results-cache", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetWithRefresh(context.Background(), "task", time.Minute*60)
	require.False(t, ok)
	require.Equal(t, "", got)
}

func TestInMemoryCacheManager_GetWithRefresh_ExtendsTTL(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("results-cache", 50*time.Millisecond, time.Hour)
	cache.Set(context.Background(), "task", "done", 0)

	// Each refreshed read re-arms the entry, so it outlives the original
	// expiration as long as a reader keeps coming back.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, ok := cache.GetWithRefresh(context.Background(), "task", 0)
		require.True(t, ok)
		require.Equal(t, "done", got)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInMemoryCacheManager_TypedKeys(t *testing.T) {
	type exampleKey string
	cache := NewInMemoryCacheManager[exampleKey, int]("typed-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), exampleKey("a"), 1, DefaultExpiration)

	got, ok := cache.Get(context.Background(), exampleKey("a"))
	require.True(t, ok)
	require.Equal(t, 1, got)
}

func TestInMemoryCacheManager_Items(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("audit-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "t-1", "route-a", DefaultExpiration)
	cache.Set(context.Background(), "t-2", "route-b", DefaultExpiration)

	items := cache.Items()
	require.Equal(t, map[string]string{"t-1": "route-a", "t-2": "route-b"}, items)
}
