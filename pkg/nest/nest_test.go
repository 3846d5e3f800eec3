package nest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())

	n, err := s.Create(ctx, "Acme", "acme", TierFree)
	require.NoError(t, err)
	assert.Equal(t, "acme", n.Subdomain)

	got, err := s.Get(ctx, n.ID.String())
	require.NoError(t, err)
	assert.Equal(t, n.Name, got.Name)

	bySub, err := s.GetBySubdomain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, n.ID, bySub.ID)
}

func TestStore_RejectsDuplicateSubdomain(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())

	_, err := s.Create(ctx, "Acme", "acme", TierFree)
	require.NoError(t, err)

	_, err = s.Create(ctx, "Other", "acme", TierFree)
	assert.Error(t, err)
}

func TestStore_RejectsInvalidSubdomain(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())

	_, err := s.Create(ctx, "Acme", "Not Valid!", TierFree)
	assert.Error(t, err)
}

func TestTierFreeQuotaIsFive(t *testing.T) {
	assert.Equal(t, 5, TierFree.Quota())
}

func TestTierUnlimitedHasNoQuota(t *testing.T) {
	assert.Equal(t, UnlimitedQuota, TierUnlimited.Quota())
}

func TestCheckQuota(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	s := NewStore(kv)

	n, err := s.Create(ctx, "Acme", "acme", TierFree)
	require.NoError(t, err)

	require.NoError(t, CheckQuota(ctx, kv, n, 1))

	for i := 0; i < TierFree.Quota(); i++ {
		require.NoError(t, kv.SetAdd(ctx, store.NestServicesSetKey(n.ID.String()), uuidLike(i)))
	}

	assert.Error(t, CheckQuota(ctx, kv, n, 1))
}

func TestCheckQuota_UnlimitedTierNeverRejects(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	s := NewStore(kv)

	n, err := s.Create(ctx, "Acme", "acme", TierUnlimited)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.NoError(t, kv.SetAdd(ctx, store.NestServicesSetKey(n.ID.String()), uuidLike(i)))
	}

	assert.NoError(t, CheckQuota(ctx, kv, n, 1))
}

func uuidLike(i int) string {
	return "svc-" + string(rune('a'+i))
}
