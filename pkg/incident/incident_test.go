package incident

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func TestStore_OpenIsIdempotentForSameServiceAndType(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID, serviceID := uuid.New(), uuid.New()

	first, err := s.Open(ctx, nestID, serviceID, TypeDown, "connection refused")
	require.NoError(t, err)

	second, err := s.Open(ctx, nestID, serviceID, TypeDown, "connection refused")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestStore_OpenAllowsDistinctTypesConcurrently(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID, serviceID := uuid.New(), uuid.New()

	down, err := s.Open(ctx, nestID, serviceID, TypeDown, "timeout")
	require.NoError(t, err)
	degraded, err := s.Open(ctx, nestID, serviceID, TypeDegraded, "slow response")
	require.NoError(t, err)

	assert.NotEqual(t, down.ID, degraded.ID)

	open, err := s.ListOpen(ctx, nestID.String())
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestStore_ResolveRemovesFromOpenIndex(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID, serviceID := uuid.New(), uuid.New()

	inc, err := s.Open(ctx, nestID, serviceID, TypeDown, "timeout")
	require.NoError(t, err)

	resolved, err := s.Resolve(ctx, nestID.String(), inc.ID.String())
	require.NoError(t, err)
	assert.False(t, resolved.Open())

	open, err := s.ListOpen(ctx, nestID.String())
	require.NoError(t, err)
	assert.Empty(t, open)

	// A fresh outage of the same type now opens a new incident.
	reopened, err := s.Open(ctx, nestID, serviceID, TypeDown, "timeout again")
	require.NoError(t, err)
	assert.NotEqual(t, inc.ID, reopened.ID)
}

func TestStore_GetRejectsCrossTenant(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID, serviceID := uuid.New(), uuid.New()

	inc, err := s.Open(ctx, nestID, serviceID, TypeDown, "timeout")
	require.NoError(t, err)

	_, err = s.Get(ctx, uuid.New().String(), inc.ID.String())
	assert.Error(t, err)
}
