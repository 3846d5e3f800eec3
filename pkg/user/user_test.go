package user

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func TestStore_CreateAndGetByEmail(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID := uuid.New()

	u, err := s.Create(ctx, nestID, "a@example.com", "Alice", RoleOwner)
	require.NoError(t, err)
	assert.True(t, u.Active)

	got, err := s.GetByEmail(ctx, nestID, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestStore_RejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID := uuid.New()

	_, err := s.Create(ctx, nestID, "a@example.com", "Alice", RoleOwner)
	require.NoError(t, err)

	_, err = s.Create(ctx, nestID, "a@example.com", "Alice Two", RoleViewer)
	assert.Error(t, err)
}

func TestStore_UpdatePasswordKeepsPreviousHash(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore())
	nestID := uuid.New()

	u, err := s.Create(ctx, nestID, "a@example.com", "Alice", RoleOwner)
	require.NoError(t, err)

	u, err = s.UpdatePassword(ctx, u.ID.String(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", u.PasswordHash)
	assert.Empty(t, u.PreviousPasswordHash)

	u, err = s.UpdatePassword(ctx, u.ID.String(), "hash-2")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", u.PasswordHash)
	assert.Equal(t, "hash-1", u.PreviousPasswordHash)
}
