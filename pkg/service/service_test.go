package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/nest"
	"github.com/wisbric/nightowl/pkg/probe"
)

func newFixture(t *testing.T) (*Store, *nest.Nest) {
	t.Helper()
	kv := store.NewMemStore()
	ns := nest.NewStore(kv)
	n, err := ns.Create(context.Background(), "Acme", "acme", nest.TierFree)
	require.NoError(t, err)
	return NewStore(kv), n
}

func TestStore_CreateEnforcesQuota(t *testing.T) {
	ctx := context.Background()
	s, n := newFixture(t)

	for i := 0; i < nest.TierFree.Quota(); i++ {
		_, err := s.Create(ctx, n, Service{
			Name: "svc", Type: probe.TypeWeb, Target: "https://example.com",
			IntervalSeconds: 30, Active: true,
		})
		require.NoError(t, err)
	}

	_, err := s.Create(ctx, n, Service{
		Name: "one-too-many", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Active: true,
	})
	assert.Error(t, err)
}

func TestStore_GetRejectsCrossTenant(t *testing.T) {
	ctx := context.Background()
	s, n := newFixture(t)

	svc, err := s.Create(ctx, n, Service{
		Name: "svc", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Active: true,
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "some-other-nest", svc.ID.String())
	assert.Error(t, err)

	got, err := s.Get(ctx, n.ID.String(), svc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, svc.ID, got.ID)
}

func TestStore_DeactivateThenReactivatePreservesID(t *testing.T) {
	ctx := context.Background()
	s, n := newFixture(t)

	svc, err := s.Create(ctx, n, Service{
		Name: "svc", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Active: true,
	})
	require.NoError(t, err)

	_, err = s.SetActive(ctx, n, svc.ID.String(), false)
	require.NoError(t, err)

	active, err := s.ListActive(ctx, n.ID.String())
	require.NoError(t, err)
	assert.Empty(t, active)

	reactivated, err := s.SetActive(ctx, n, svc.ID.String(), true)
	require.NoError(t, err)
	assert.Equal(t, svc.ID, reactivated.ID)

	active, err = s.ListActive(ctx, n.ID.String())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, svc.ID, active[0].ID)
}

func TestService_CacheKeyStableAcrossServices(t *testing.T) {
	a := Service{Target: "https://example.com", Type: probe.TypeWeb, Config: map[string]any{"method": "GET"}}
	b := Service{Target: "https://example.com", Type: probe.TypeWeb, Config: map[string]any{"method": "GET"}}
	assert.Equal(t, a.CacheKey(), b.CacheKey())
}
