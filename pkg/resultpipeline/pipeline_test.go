package resultpipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/incident"
	"github.com/wisbric/nightowl/pkg/metrics"
	"github.com/wisbric/nightowl/pkg/probe"
	"github.com/wisbric/nightowl/pkg/scheduler"
)

// fakeBus is a minimal Bus double: the pipeline only ever declares/consumes
// its own queue in Run, which these tests bypass by calling IngestResult
// directly, so Publish/DeclareQueue/Consume need not record anything.
type fakeBus struct {
	mu        sync.Mutex
	published int
}

func (f *fakeBus) Publish(_ context.Context, _, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

func (f *fakeBus) DeclareQueue(name, _, _ string, _ bool) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeBus) Consume(_, _ string) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestResult_FansOutToSharedCacheKey(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	records := scheduler.NewRecordStore(kv)
	p := New(kv, &fakeBus{}, testLogger(), 30*time.Second)

	_, err := records.AddOrUpdate(ctx, scheduler.ScheduledService{
		ServiceID: "a", NestID: "n1", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "shared",
	})
	require.NoError(t, err)
	_, err = records.AddOrUpdate(ctx, scheduler.ScheduledService{
		ServiceID: "b", NestID: "n2", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true, CacheKey: "shared",
	})
	require.NoError(t, err)

	responseTime := 150
	require.NoError(t, p.IngestResult(ctx, probe.Result{
		ServiceID: "a", NestID: "n1", CacheKey: "shared", Status: probe.StatusUp, ResponseTime: &responseTime,
	}))

	a, err := records.Get(ctx, "a")
	require.NoError(t, err)
	b, err := records.Get(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Completed)
	assert.Equal(t, float64(100), a.UptimePercent)
	assert.Equal(t, float64(150), a.AverageResponseMs)
	assert.Equal(t, int64(1), b.Completed)
	assert.Equal(t, float64(150), b.AverageResponseMs)
}

func TestIngestResult_CachesByKey(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	p := New(kv, &fakeBus{}, testLogger(), 30*time.Second)

	responseTime := 200
	require.NoError(t, p.IngestResult(ctx, probe.Result{
		ServiceID: "a", NestID: "n1", CacheKey: "ck", Status: probe.StatusUp, ResponseTime: &responseTime,
	}))

	b, err := kv.Get(ctx, store.CheckCacheKey("ck"))
	require.NoError(t, err)
	var cached probe.Result
	require.NoError(t, json.Unmarshal(b, &cached))
	assert.Equal(t, probe.StatusUp, cached.Status)
}

func TestIngestResult_NoCacheKeyAppliesToSingleService(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	records := scheduler.NewRecordStore(kv)
	p := New(kv, &fakeBus{}, testLogger(), 30*time.Second)

	_, err := records.AddOrUpdate(ctx, scheduler.ScheduledService{
		ServiceID: "solo", NestID: "n1", Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, p.IngestResult(ctx, probe.Result{
		ServiceID: "solo", NestID: "n1", Status: probe.StatusDown,
	}))

	svc, err := records.Get(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), svc.Completed)
	assert.Equal(t, int64(1), svc.Failed)
	assert.Equal(t, float64(0), svc.UptimePercent)
}

func TestIngestResult_UnknownServiceWithoutCacheKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	p := New(kv, &fakeBus{}, testLogger(), 30*time.Second)

	err := p.IngestResult(ctx, probe.Result{ServiceID: "ghost", NestID: "n1", Status: probe.StatusUp})
	assert.NoError(t, err)
}

func TestIngestResult_RollsUpMetricsAndOpensIncident(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	records := scheduler.NewRecordStore(kv)
	p := New(kv, &fakeBus{}, testLogger(), 30*time.Second)

	nestID, serviceID := uuid.New().String(), uuid.New().String()
	_, err := records.AddOrUpdate(ctx, scheduler.ScheduledService{
		ServiceID: serviceID, NestID: nestID, Type: probe.TypeWeb, Target: "https://example.com",
		IntervalSeconds: 30, Enabled: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, p.IngestResult(ctx, probe.Result{
		ServiceID: serviceID, NestID: nestID, Status: probe.StatusDown, Timestamp: now.UnixMilli(),
	}))

	rollup, err := p.metrics.Get(ctx, serviceID, metrics.PeriodDay, metrics.WindowStart(metrics.PeriodDay, now))
	require.NoError(t, err)
	require.NotNil(t, rollup)
	assert.Equal(t, int64(1), rollup.TotalChecks)
	assert.Equal(t, int64(1), rollup.FailedChecks)
	assert.Equal(t, 1, rollup.IncidentCount)

	open, err := p.incidents.ListOpen(ctx, nestID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, incident.TypeDown, open[0].Type)
	assert.Equal(t, 1, open[0].AffectedCheckCount)

	require.NoError(t, p.IngestResult(ctx, probe.Result{
		ServiceID: serviceID, NestID: nestID, Status: probe.StatusUp, Timestamp: now.UnixMilli(),
	}))
	open, err = p.incidents.ListOpen(ctx, nestID)
	require.NoError(t, err)
	assert.Empty(t, open)
}
