package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/pkg/worker"
)

const heartbeatQueuePrefix = "scheduler.heartbeat."

// startHeartbeatConsumer binds an exclusive queue to the worker_heartbeat
// fanout exchange (§4.1 "Heartbeat listener").
func (s *Scheduler) startHeartbeatConsumer(ctx context.Context) error {
	queueName := heartbeatQueuePrefix + randomSuffix()
	if _, err := s.bus.DeclareQueue(queueName, platform.ExchangeWorkerHeartbeat, "", true); err != nil {
		return fmt.Errorf("declaring heartbeat queue: %w", err)
	}
	deliveries, err := s.bus.Consume(queueName, "scheduler-heartbeat")
	if err != nil {
		return fmt.Errorf("consuming heartbeat queue: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				s.handleHeartbeat(ctx, d)
			}
		}
	}()
	return nil
}

func (s *Scheduler) handleHeartbeat(ctx context.Context, d amqp.Delivery) {
	var hb worker.Heartbeat
	if err := json.Unmarshal(d.Body, &hb); err != nil {
		// Malformed heartbeats are an integrity failure — dropped silently,
		// no informative response to the worker (§7).
		_ = d.Ack(false)
		return
	}

	publicKey := ""
	if reg, err := s.workers.Get(ctx, hb.WorkerID); err == nil {
		publicKey = reg.PublicKey
	}

	if _, err := s.verifier.Verify(ctx, hb, publicKey); err != nil {
		telemetry.HeartbeatsRejectedTotal.WithLabelValues(rejectionGate(err)).Inc()
		_ = d.Ack(false)
		return
	}
	_ = d.Ack(false)
}

// rejectionGate buckets a verifier rejection into one of the five gates
// (§4.3) for the heartbeats_rejected_total{gate} metric, keeping its label
// cardinality fixed regardless of the underlying error text.
func rejectionGate(err error) string {
	switch {
	case strings.Contains(err.Error(), "signature"):
		return "signature"
	case strings.Contains(err.Error(), "freshness"):
		return "freshness"
	case strings.Contains(err.Error(), "progression"):
		return "monotonic"
	case strings.Contains(err.Error(), "rate"):
		return "rate"
	default:
		return "other"
	}
}

// evictStaleWorkers runs once per minute: workers with no heartbeat for
// more than heartbeatTimeout are evicted from the live heartbeat hash
// (§4.1 janitor, §4.2 "ACTIVE <-> STALE").
func (s *Scheduler) evictStaleWorkers(ctx context.Context) error {
	all, err := s.kv.HashGetAll(ctx, store.WorkersHeartbeatKey)
	if err != nil {
		return fmt.Errorf("listing worker heartbeats: %w", err)
	}

	now := time.Now().UTC()
	for workerID, b := range all {
		var state worker.State
		if err := json.Unmarshal(b, &state); err != nil {
			continue
		}
		lastSeen := time.UnixMilli(state.LastSeen)
		if now.Sub(lastSeen) > s.heartbeatTimeout {
			if err := s.kv.HashDelete(ctx, store.WorkersHeartbeatKey, workerID); err != nil {
				s.logger.Error("evicting stale worker", "workerId", workerID, "error", err)
				continue
			}
			telemetry.WorkersStaleTotal.Inc()
		}
	}
	return nil
}

func randomSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
