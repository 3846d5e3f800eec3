package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func TestRateLimiter_AllowsUntilMax(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	rl := NewRateLimiter(kv, 3, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		require.NoError(t, rl.Record(ctx, "1.2.3.4"))
	}

	res, err := rl.Check(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRateLimiter_ResetClearsCounter(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	rl := NewRateLimiter(kv, 1, time.Minute)

	require.NoError(t, rl.Record(ctx, "5.6.7.8"))
	res, err := rl.Check(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, rl.Reset(ctx, "5.6.7.8"))
	res, err = rl.Check(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAccountLockout_LocksAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	l := NewAccountLockout(kv, 3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, l.RecordFailure(ctx, "nest1", "a@example.com"))
		locked, err := l.Locked(ctx, "nest1", "a@example.com")
		require.NoError(t, err)
		assert.False(t, locked)
	}

	require.NoError(t, l.RecordFailure(ctx, "nest1", "a@example.com"))
	locked, err := l.Locked(ctx, "nest1", "a@example.com")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestAccountLockout_ResetClearsLock(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	l := NewAccountLockout(kv, 1, time.Minute)

	require.NoError(t, l.RecordFailure(ctx, "nest1", "b@example.com"))
	locked, err := l.Locked(ctx, "nest1", "b@example.com")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Reset(ctx, "nest1", "b@example.com"))
	locked, err = l.Locked(ctx, "nest1", "b@example.com")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAccountLockout_IsolatedPerNest(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	l := NewAccountLockout(kv, 1, time.Minute)

	require.NoError(t, l.RecordFailure(ctx, "nest1", "c@example.com"))
	locked, err := l.Locked(ctx, "nest2", "c@example.com")
	require.NoError(t, err)
	assert.False(t, locked)
}
