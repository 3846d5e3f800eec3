package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	_, err := m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreTTLExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.PutTTL(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreList(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Put(ctx, "service:1", []byte("a")))
	require.NoError(t, m.Put(ctx, "service:2", []byte("b")))
	require.NoError(t, m.Put(ctx, "nest:1", []byte("c")))

	keys, err := m.List(ctx, "service:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"service:1", "service:2"}, keys)
}

func TestMemStoreSortedSetRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.SortedSetAdd(ctx, "pending", 3, "c"))
	require.NoError(t, m.SortedSetAdd(ctx, "pending", 1, "a"))
	require.NoError(t, m.SortedSetAdd(ctx, "pending", 2, "b"))

	members, err := m.SortedSetRange(ctx, "pending", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)
}

func TestMemStorePubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	sub, err := m.Subscribe(ctx, "sse:nest1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, "sse:nest1", []byte(`{"type":"service_update"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "sse:nest1", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

// failingStore always fails, simulating an unreachable primary backend.
type failingStore struct{ Store }

var errUnreachable = errors.New("primary unreachable")

func (failingStore) Get(context.Context, string) ([]byte, error)       { return nil, errUnreachable }
func (failingStore) Put(context.Context, string, []byte) error        { return errUnreachable }
func (failingStore) Ping(context.Context) error                        { return errUnreachable }

func TestTieredFallsBackWhenPrimaryUnreachable(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	tiered := NewTiered(failingStore{}, logger)

	// Write succeeds locally even though the primary is down.
	require.NoError(t, tiered.Put(ctx, "k", []byte("v")))
	assert.True(t, tiered.Degraded())

	v, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestTieredNotDegradedWhilePrimaryHealthy(t *testing.T) {
	ctx := context.Background()
	mem := NewMemStore()
	tiered := NewTiered(mem, testLogger())

	require.NoError(t, tiered.Put(ctx, "k", []byte("v")))
	assert.False(t, tiered.Degraded())
}
