package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerifier_AcceptsFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(store.NewMemStore(), discardLogger(), false)

	hb := Heartbeat{WorkerID: "w1", Region: "us-east-1", Timestamp: time.Now().UnixMilli(), TotalPoints: 10, ChecksCompleted: 1}
	state, err := v.Verify(ctx, hb, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.TotalPoints)
}

func TestVerifier_RejectsStaleTimestamp(t *testing.T) {
	v := NewVerifier(store.NewMemStore(), discardLogger(), false)
	hb := Heartbeat{WorkerID: "w1", Timestamp: time.Now().Add(-301 * time.Second).UnixMilli()}
	_, err := v.Verify(context.Background(), hb, "")
	assert.Error(t, err)
}

func TestVerifier_AcceptsAt300SecondBoundary(t *testing.T) {
	v := NewVerifier(store.NewMemStore(), discardLogger(), false)
	// Half a second of headroom covers the time that passes before Verify
	// reads the clock; a stamp of exactly now-300s is already older than
	// 300s by then.
	hb := Heartbeat{WorkerID: "w1", Timestamp: time.Now().Add(-300*time.Second + 500*time.Millisecond).UnixMilli()}
	_, err := v.Verify(context.Background(), hb, "")
	assert.NoError(t, err)
}

func TestVerifier_RejectsRegressingPoints(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(store.NewMemStore(), discardLogger(), false)

	base := time.Now().Add(-2 * time.Minute)
	_, err := v.Verify(ctx, Heartbeat{WorkerID: "w1", Timestamp: base.UnixMilli(), TotalPoints: 100, ChecksCompleted: 50}, "")
	require.NoError(t, err)

	_, err = v.Verify(ctx, Heartbeat{
		WorkerID: "w1", Timestamp: base.Add(60 * time.Second).UnixMilli(),
		TotalPoints: 99, ChecksCompleted: 50,
	}, "")
	assert.Error(t, err)
}

func TestVerifier_RejectsImplausibleRate(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(store.NewMemStore(), discardLogger(), false)

	base := time.Now().Add(-2 * time.Minute)
	_, err := v.Verify(ctx, Heartbeat{WorkerID: "w1", Timestamp: base.UnixMilli(), TotalPoints: 0, ChecksCompleted: 0}, "")
	require.NoError(t, err)

	// 10 seconds elapsed, 101 points gained -> 10.1/s > the 10/s ceiling.
	_, err = v.Verify(ctx, Heartbeat{
		WorkerID: "w1", Timestamp: base.Add(10 * time.Second).UnixMilli(),
		TotalPoints: 101, ChecksCompleted: 1,
	}, "")
	assert.Error(t, err)
}

func TestVerifier_AcceptsExactRateBoundary(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(store.NewMemStore(), discardLogger(), false)

	base := time.Now().Add(-2 * time.Minute)
	_, err := v.Verify(ctx, Heartbeat{WorkerID: "w1", Timestamp: base.UnixMilli(), TotalPoints: 0, ChecksCompleted: 0}, "")
	require.NoError(t, err)

	_, err = v.Verify(ctx, Heartbeat{
		WorkerID: "w1", Timestamp: base.Add(10 * time.Second).UnixMilli(),
		TotalPoints: 100, ChecksCompleted: 1,
	}, "")
	assert.NoError(t, err)
}

func TestVerifier_RequiresSignatureWhenConfigured(t *testing.T) {
	v := NewVerifier(store.NewMemStore(), discardLogger(), true)
	hb := Heartbeat{WorkerID: "w1", Timestamp: time.Now().UnixMilli()}
	_, err := v.Verify(context.Background(), hb, "")
	assert.Error(t, err)
}

func TestAnomalySweep_FlagsOutlier(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	v := NewVerifier(kv, discardLogger(), false)

	now := time.Now().UnixMilli()
	// With n workers no value can lie more than (n-1)/sqrt(n) standard
	// deviations from the mean, which is below 3 for n <= 10, so the outlier
	// needs at least ten peers to be flaggable.
	for i := 0; i < 20; i++ {
		_, err := v.Verify(ctx, Heartbeat{WorkerID: fmt.Sprintf("w%d", i), Timestamp: now, TotalPoints: int64(100 + i)}, "")
		require.NoError(t, err)
	}
	_, err := v.Verify(ctx, Heartbeat{WorkerID: "outlier", Timestamp: now, TotalPoints: 100000}, "")
	require.NoError(t, err)

	anomalous, err := AnomalySweep(ctx, kv)
	require.NoError(t, err)
	assert.Contains(t, anomalous, "outlier")
}
