package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyCacheRefresh(t *testing.T) {
	ctx := context.Background()

	active := testPolicy("pol-a", "expense", "alice")
	inactive := testPolicy("pol-b", "expense", "bob")
	inactive.IsActive = false

	store := &memPolicyStore{}
	cache := NewPolicyCache(store, zerolog.Nop())

	// Empty until the first refresh.
	all, err := cache.FindAll(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all)

	store.policies = append(store.policies, active, inactive)
	require.NoError(t, cache.Refresh(ctx))

	all, err = cache.FindAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := cache.FindAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, "pol-a", activeOnly[0].ID)

	found, err := cache.FindByID(ctx, "pol-b")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.False(t, found.IsActive)

	missing, err := cache.FindByID(ctx, "pol-x")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A refresh after deletion drops the stale entry.
	store.policies = store.policies[:1]
	require.NoError(t, cache.Refresh(ctx))

	gone, err := cache.FindByID(ctx, "pol-b")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
