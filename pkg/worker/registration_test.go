package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func TestStore_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore(), nil)

	req := RegisterRequest{WorkerID: "w1", Hostname: "host-a", OwnerEmail: "e@x.io"}
	first, err := s.Register(ctx, req)
	require.NoError(t, err)

	second, err := s.Register(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStore_RegisterRejectsInvalidEmail(t *testing.T) {
	s := NewStore(store.NewMemStore(), nil)
	_, err := s.Register(context.Background(), RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "not-an-email"})
	assert.Error(t, err)
}

func TestStore_ApproveIssuesHighEntropyCredential(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore(), nil)

	_, err := s.Register(ctx, RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "e@x.io"})
	require.NoError(t, err)

	reg, cred, err := s.Approve(ctx, "w1", "admin-1", "")
	require.NoError(t, err)
	assert.True(t, reg.Approved)
	assert.Equal(t, "auto", reg.Region)
	assert.Equal(t, "worker-w1", cred.Username)
	assert.GreaterOrEqual(t, len(cred.Password), 40)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_ApproveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore(), nil)
	_, err := s.Register(ctx, RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "e@x.io"})
	require.NoError(t, err)

	_, _, err = s.Approve(ctx, "w1", "admin-1", "eu-west-1")
	require.NoError(t, err)

	reg, cred, err := s.Approve(ctx, "w1", "admin-2", "us-east-1")
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, "eu-west-1", reg.Region)
}

func TestStore_RevokeClearsBrokerUsername(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore(), nil)
	_, err := s.Register(ctx, RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "e@x.io"})
	require.NoError(t, err)
	_, _, err = s.Approve(ctx, "w1", "admin-1", "")
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, "w1"))

	reg, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, reg.Status)
	assert.Empty(t, reg.BrokerUsername)
	assert.Empty(t, reg.Password)
}

func TestStore_ApproveStoresPasswordOnRecordWithoutSecretStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemStore(), nil)
	_, err := s.Register(ctx, RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "e@x.io"})
	require.NoError(t, err)

	_, cred, err := s.Approve(ctx, "w1", "admin-1", "")
	require.NoError(t, err)

	reg, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, cred.Password, reg.Password)
}
