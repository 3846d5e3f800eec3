package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/probe"
	"github.com/wisbric/nightowl/pkg/worker"
)

// fakeBus is a test double for Bus that records every publish instead of
// talking to a real broker.
type fakeBus struct {
	mu        sync.Mutex
	published []fakePublish
}

type fakePublish struct {
	exchange, routingKey string
	body                 []byte
}

func (f *fakeBus) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{exchange, routingKey, body})
	return nil
}

func (f *fakeBus) DeclareQueue(name, _, _ string, _ bool) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeBus) Consume(_, _ string) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	return ch, nil
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeBus, store.Store) {
	t.Helper()
	kv := store.NewMemStore()
	bus := &fakeBus{}
	workers := worker.NewStore(kv, nil)
	s := New(kv, bus, workers, testLogger(), Config{
		TickInterval:     time.Second,
		DedupWindow:      30 * time.Second,
		HeartbeatTimeout: 120 * time.Second,
	})
	return s, bus, kv
}

func TestTick_DispatchesDueService(t *testing.T) {
	ctx := context.Background()
	s, bus, _ := newTestScheduler(t)

	_, err := s.records.AddOrUpdate(ctx, ScheduledService{
		ServiceID: "svc1", NestID: "n1", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "ck1",
	})
	require.NoError(t, err)

	require.NoError(t, s.tick(ctx))
	assert.Equal(t, 1, bus.count())

	svc, err := s.records.Get(ctx, "svc1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), svc.Scheduled)
	assert.True(t, svc.NextCheckAt.After(time.Now()))
}

func TestTick_SkipsNotYetDueService(t *testing.T) {
	ctx := context.Background()
	s, bus, _ := newTestScheduler(t)

	svc, err := s.records.AddOrUpdate(ctx, ScheduledService{
		ServiceID: "svc1", NestID: "n1", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "ck1",
	})
	require.NoError(t, err)
	svc.NextCheckAt = time.Now().Add(time.Hour)
	require.NoError(t, s.records.Save(ctx, svc))

	require.NoError(t, s.tick(ctx))
	assert.Equal(t, 0, bus.count())
}

func TestDispatch_DedupsWithinWindow(t *testing.T) {
	ctx := context.Background()
	s, bus, _ := newTestScheduler(t)

	a, err := s.records.AddOrUpdate(ctx, ScheduledService{
		ServiceID: "a", NestID: "n1", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "shared",
	})
	require.NoError(t, err)
	b, err := s.records.AddOrUpdate(ctx, ScheduledService{
		ServiceID: "b", NestID: "n2", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "shared",
	})
	require.NoError(t, err)
	_ = a
	_ = b

	require.NoError(t, s.tick(ctx))
	// Both services share a cache key; only one outbound publish expected.
	assert.Equal(t, 1, bus.count())
}

func TestDispatch_RegionFanOut(t *testing.T) {
	ctx := context.Background()
	s, bus, _ := newTestScheduler(t)

	_, err := s.records.AddOrUpdate(ctx, ScheduledService{
		ServiceID: "svc1", NestID: "n1", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "ck1", Regions: []string{"us-east-1", "eu-west-1"},
	})
	require.NoError(t, err)

	require.NoError(t, s.tick(ctx))
	require.Equal(t, 2, bus.count())

	routingKeys := map[string]bool{}
	for _, p := range bus.published {
		routingKeys[p.routingKey] = true
	}
	assert.True(t, routingKeys["check_service_once.us-east-1"])
	assert.True(t, routingKeys["check_service_once.eu-west-1"])
}

func TestAddOrUpdate_PreservesStatsOnReAdd(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestScheduler(t)

	_, err := s.records.AddOrUpdate(ctx, ScheduledService{ServiceID: "svc1", NestID: "n1", IntervalSeconds: 30, Enabled: true})
	require.NoError(t, err)

	svc, err := s.records.Get(ctx, "svc1")
	require.NoError(t, err)
	svc.Scheduled, svc.Completed, svc.Failed = 5, 4, 1
	require.NoError(t, s.records.Save(ctx, svc))

	_, err = s.records.AddOrUpdate(ctx, ScheduledService{ServiceID: "svc1", NestID: "n1", IntervalSeconds: 60, Enabled: true})
	require.NoError(t, err)

	again, err := s.records.Get(ctx, "svc1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), again.Scheduled)
	assert.Equal(t, int64(4), again.Completed)
	assert.Equal(t, int64(1), again.Failed)
	assert.Equal(t, 60, again.IntervalSeconds)
}
