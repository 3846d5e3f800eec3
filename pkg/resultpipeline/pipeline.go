// Package resultpipeline implements the result ingestion and live fan-out
// path (spec.md §4.4): consuming monitoring_results/check_completed,
// applying the outcome to every scheduled service sharing a cache key, and
// publishing a derived service_update event on sse:<nestId>.
//
// It runs as its own process mode (`resultd`) so result ingestion scales
// independently of the scheduler's tick loop, sharing the same storage
// abstraction the scheduler writes scheduler:services records to.
package resultpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/pkg/incident"
	"github.com/wisbric/nightowl/pkg/metrics"
	"github.com/wisbric/nightowl/pkg/probe"
	"github.com/wisbric/nightowl/pkg/scheduler"
)

const resultConsumerQueue = "resultd.results"

// Bus is the subset of *platform.Bus the pipeline depends on, narrowed so
// it can be exercised against a fake in tests without a live broker.
type Bus interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	DeclareQueue(name, exchange, routingKey string, exclusive bool) (amqp.Queue, error)
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Pipeline owns result ingestion and the sse:<nestId> fan-out (§4.4). It
// reads and writes the same scheduler:services records the scheduler
// itself owns, so both processes must point at the same storage backend.
type Pipeline struct {
	kv        store.Store
	bus       Bus
	records   *scheduler.RecordStore
	dedup     *scheduler.DedupCache
	metrics   *metrics.Store
	incidents *incident.Store
	logger    *slog.Logger
}

// New builds a Pipeline. dedupWindow must match the scheduler's configured
// dedup window, since the TTL on check:cache:<cacheKey> is set here.
func New(kv store.Store, bus Bus, logger *slog.Logger, dedupWindow time.Duration) *Pipeline {
	return &Pipeline{
		kv:        kv,
		bus:       bus,
		records:   scheduler.NewRecordStore(kv),
		dedup:     scheduler.NewDedupCache(kv, dedupWindow),
		metrics:   metrics.NewStore(kv),
		incidents: incident.NewStore(kv),
		logger:    logger,
	}
}

// Run binds the result consumer and blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("result pipeline started")
	if err := p.startResultConsumer(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.logger.Info("result pipeline stopped")
	return nil
}

// startResultConsumer binds resultd.results to monitoring_results/
// check_completed and processes incoming probe results in a background
// goroutine (§4.4).
func (p *Pipeline) startResultConsumer(ctx context.Context) error {
	if _, err := p.bus.DeclareQueue(resultConsumerQueue, platform.ExchangeMonitoringResults, platform.RoutingCheckCompleted, false); err != nil {
		return fmt.Errorf("declaring result consumer queue: %w", err)
	}
	deliveries, err := p.bus.Consume(resultConsumerQueue, "resultd")
	if err != nil {
		return fmt.Errorf("consuming result queue: %w", err)
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
				p.handleResult(ctx, d)
			}
		}
	}()
	return nil
}

func (p *Pipeline) handleResult(ctx context.Context, d amqp.Delivery) {
	var res probe.Result
	if err := json.Unmarshal(d.Body, &res); err != nil {
		p.logger.Error("unmarshaling probe result", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := p.IngestResult(ctx, res); err != nil {
		p.logger.Error("ingesting probe result", "serviceId", res.ServiceID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// IngestResult applies res to every affected scheduled service and fans the
// update out to live subscribers (§4.1, §4.4). Exported so tests can feed
// results in without a broker round-trip.
func (p *Pipeline) IngestResult(ctx context.Context, res probe.Result) error {
	telemetry.ResultsIngestedTotal.WithLabelValues(string(res.Status)).Inc()

	if res.CacheKey != "" {
		if err := p.dedup.Store(ctx, res); err != nil {
			return fmt.Errorf("caching result: %w", err)
		}
	}

	now := time.Now().UTC()
	var affected []*scheduler.ScheduledService

	if res.CacheKey != "" {
		all, err := p.records.All(ctx)
		if err != nil {
			return err
		}
		for _, svc := range all {
			if svc.CacheKey == res.CacheKey {
				affected = append(affected, svc)
			}
		}
	} else {
		svc, err := p.records.Get(ctx, res.ServiceID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		affected = append(affected, svc)
	}

	for _, svc := range affected {
		svc.ApplyResult(res.Status, res.ResponseTime, now)
		if err := p.records.Save(ctx, svc); err != nil {
			p.logger.Error("persisting scheduled service after result", "serviceId", svc.ServiceID, "error", err)
			continue
		}
		if err := p.publishServiceUpdate(ctx, svc, res); err != nil {
			p.logger.Error("publishing sse service_update", "serviceId", svc.ServiceID, "error", err)
		}
		if err := p.rollUpAll(ctx, svc, res, now); err != nil {
			p.logger.Error("rolling up metrics", "serviceId", svc.ServiceID, "error", err)
		}
		if err := p.reconcileIncident(ctx, svc, res, now); err != nil {
			p.logger.Error("reconciling incident", "serviceId", svc.ServiceID, "error", err)
		}
	}
	return nil
}

// rollUpAll folds res into the hour/day/month rollups covering now (§3
// "Aggregated metrics").
func (p *Pipeline) rollUpAll(ctx context.Context, svc *scheduler.ScheduledService, res probe.Result, now time.Time) error {
	for _, period := range []metrics.Period{metrics.PeriodHour, metrics.PeriodDay, metrics.PeriodMonth} {
		if err := p.metrics.RollUp(ctx, svc, string(res.Status), res.ResponseTime, now, period); err != nil {
			return fmt.Errorf("rolling up %s: %w", period, err)
		}
	}
	return nil
}

// reconcileIncident opens an incident on a down/degraded result and resolves
// the matching open incident on the next up result (§3 "Incident").
func (p *Pipeline) reconcileIncident(ctx context.Context, svc *scheduler.ScheduledService, res probe.Result, now time.Time) error {
	nestID, err := uuid.Parse(svc.NestID)
	if err != nil {
		return fmt.Errorf("parsing nest id: %w", err)
	}
	serviceID, err := uuid.Parse(svc.ServiceID)
	if err != nil {
		return fmt.Errorf("parsing service id: %w", err)
	}

	if typ, isOutage := incident.StatusForResult(res.Status); isOutage {
		inc, err := p.incidents.Open(ctx, nestID, serviceID, typ, fmt.Sprintf("probe reported %s", res.Status))
		if err != nil {
			return err
		}
		if inc.AffectedCheckCount == 0 {
			if err := p.metrics.RecordIncident(ctx, nestID, serviceID, now, metrics.PeriodDay); err != nil {
				return err
			}
		}
		return p.incidents.RecordAffectedCheck(ctx, nestID.String(), inc.ID.String())
	}

	open, err := p.incidents.ListOpen(ctx, nestID.String())
	if err != nil {
		return err
	}
	for _, inc := range open {
		if inc.ServiceID != serviceID {
			continue
		}
		if inc.Type != incident.TypeDown && inc.Type != incident.TypeDegraded {
			continue
		}
		if _, err := p.incidents.Resolve(ctx, nestID.String(), inc.ID.String()); err != nil {
			return err
		}
	}
	return nil
}

type serviceUpdateEvent struct {
	Type string              `json:"type"`
	Data serviceUpdateFields `json:"data"`
}

type serviceUpdateFields struct {
	ServiceID    string       `json:"serviceId"`
	Status       probe.Status `json:"status"`
	ResponseTime *int         `json:"responseTime,omitempty"`
	Timestamp    int64        `json:"timestamp"`
}

// publishServiceUpdate fans a derived update out on sse:<nestId> (§4.4).
func (p *Pipeline) publishServiceUpdate(ctx context.Context, svc *scheduler.ScheduledService, res probe.Result) error {
	event := serviceUpdateEvent{
		Type: "service_update",
		Data: serviceUpdateFields{
			ServiceID:    svc.ServiceID,
			Status:       res.Status,
			ResponseTime: res.ResponseTime,
			Timestamp:    res.Timestamp,
		},
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling service_update event: %w", err)
	}
	return p.kv.Publish(ctx, store.SSEChannel(svc.NestID), b)
}
