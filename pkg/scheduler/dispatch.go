package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/pkg/probe"
)

// tick performs a single scheduling pass (§4.1 "Scheduling loop"):
// iterate scheduled services in priority order, dispatching any that are
// due.
func (s *Scheduler) tick(ctx context.Context) error {
	services, err := s.records.All(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled services: %w", err)
	}

	sort.SliceStable(services, func(i, j int) bool {
		ri, rj := priorityRank[services[i].Priority], priorityRank[services[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return services[i].Seq < services[j].Seq
	})

	now := time.Now().UTC()
	for _, svc := range services {
		if !svc.Enabled || now.Before(svc.NextCheckAt) {
			continue
		}
		s.dispatch(ctx, svc, now)
		svc.LastCheckAt = now
		svc.NextCheckAt = now.Add(time.Duration(svc.IntervalSeconds) * time.Second)
		svc.Scheduled++
		if err := s.records.Save(ctx, svc); err != nil {
			s.logger.Error("persisting scheduled service after tick", "serviceId", svc.ServiceID, "error", err)
		}
	}
	return nil
}

// dispatch publishes (or dedup-skips) a probe command for svc (§4.1
// "Deduplication cache", "Region routing").
func (s *Scheduler) dispatch(ctx context.Context, svc *ScheduledService, now time.Time) {
	if !s.dedup.shouldDispatch(svc.CacheKey, now) {
		telemetry.ProbesDedupedTotal.Inc()
		cached, hit, err := s.dedup.CachedResult(ctx, svc.CacheKey)
		if err != nil {
			s.logger.Error("reading dedup cache", "cacheKey", svc.CacheKey, "error", err)
			return
		}
		if !hit {
			// Cache-key dispatch already in flight but no result cached yet:
			// this service gets no result this round, and tick still moves its
			// nextCheckAt one interval ahead (§9 Open Questions).
			return
		}
		svc.ApplyResult(cached.Status, cached.ResponseTime, now)
		return
	}

	cmd := probe.Command{
		Command: platform.RoutingCheckServiceOnce,
		Data: probe.CommandData{
			ServiceID: svc.ServiceID,
			NestID:    svc.NestID,
			Type:      svc.Type,
			Target:    svc.Target,
			Config:    svc.Config,
			Regions:   svc.Regions,
			CacheKey:  svc.CacheKey,
		},
		Timestamp: now.UnixMilli(),
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		s.logger.Error("marshaling probe command", "serviceId", svc.ServiceID, "error", err)
		svc.Failed++
		return
	}

	if len(svc.Regions) == 0 {
		if err := s.bus.Publish(ctx, platform.ExchangeWorkerCommands, platform.RoutingCheckServiceOnce, body); err != nil {
			s.logger.Error("publishing probe command", "serviceId", svc.ServiceID, "error", err)
			svc.Failed++
			return
		}
		telemetry.ProbesDispatchedTotal.WithLabelValues("any").Inc()
		return
	}

	for _, region := range svc.Regions {
		routingKey := platform.RoutingCheckServiceOnceRegion(region)
		if err := s.bus.Publish(ctx, platform.ExchangeWorkerCommands, routingKey, body); err != nil {
			s.logger.Error("publishing region-routed probe command", "serviceId", svc.ServiceID, "region", region, "error", err)
			svc.Failed++
			continue
		}
		telemetry.ProbesDispatchedTotal.WithLabelValues(region).Inc()
	}
}
