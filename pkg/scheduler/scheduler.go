package scheduler

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/pkg/worker"
)

const heartbeatJanitorInterval = time.Minute

// Bus is the subset of *platform.Bus the scheduler depends on, narrowed to
// an interface so the tick/dispatch logic can be exercised against a
// fake in tests without a live broker connection.
type Bus interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	DeclareQueue(name, exchange, routingKey string, exclusive bool) (amqp.Queue, error)
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Scheduler owns the time dimension of the monitoring core (§4.1): it
// dispatches probe commands on a fixed tick, deduplicates redundant
// probes, and tracks worker liveness via heartbeats. Result ingestion runs
// in pkg/resultpipeline, not here.
//
// The tick loop is single-threaded cooperative (§5): Run's ticker case
// runs tick() to completion before the next tick is considered, so no
// explicit "is a tick in flight" flag is needed beyond the select loop
// itself never starting a second tick concurrently.
type Scheduler struct {
	kv      store.Store
	bus     Bus
	workers *worker.Store
	records *RecordStore
	dedup   *DedupCache
	logger  *slog.Logger

	tickInterval     time.Duration
	heartbeatTimeout time.Duration
	verifier         *worker.Verifier
}

// Config holds the tunables recognized in §6.
type Config struct {
	TickInterval     time.Duration
	DedupWindow      time.Duration
	HeartbeatTimeout time.Duration
	RequireSignature bool
}

// New builds a Scheduler. workers is used to look up a worker's registered
// public key when verifying heartbeats.
func New(kv store.Store, bus Bus, workers *worker.Store, logger *slog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		kv:               kv,
		bus:              bus,
		workers:          workers,
		records:          NewRecordStore(kv),
		dedup:            NewDedupCache(kv, cfg.DedupWindow),
		logger:           logger,
		tickInterval:     cfg.TickInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		verifier:         worker.NewVerifier(kv, logger, cfg.RequireSignature),
	}
}

// Run starts the scheduling loop, the command and heartbeat consumers, and
// the once-a-minute janitor, which evicts stale workers and runs the points
// anomaly sweep. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tickInterval", s.tickInterval)

	if err := s.startCommandConsumer(ctx); err != nil {
		return err
	}
	if err := s.startHeartbeatConsumer(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	janitor := time.NewTicker(heartbeatJanitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := s.tick(ctx); err != nil {
				s.logger.Error("scheduler tick", "error", err)
			}
			telemetry.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		case <-janitor.C:
			if err := s.evictStaleWorkers(ctx); err != nil {
				s.logger.Error("heartbeat janitor", "error", err)
			}
			flagged, err := worker.AnomalySweep(ctx, s.kv)
			if err != nil {
				s.logger.Error("points anomaly sweep", "error", err)
			} else if len(flagged) > 0 {
				s.logger.Warn("workers with anomalous points totals", "workerIds", flagged)
			}
		}
	}
}
