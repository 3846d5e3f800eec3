// Package scheduler implements the scheduler core (§4.1): the tick loop
// that dispatches probe commands, the dedup cache, region routing, service
// add/remove handling, and the worker heartbeat listener + janitor. Result
// ingestion itself (moving-average/uptime updates, incident/metrics
// rollups, sse fan-out) runs as the separate resultd process in
// pkg/resultpipeline, which shares this package's RecordStore/DedupCache.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/probe"
)

// Priority orders the tick's iteration over scheduled services (§4.1).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{PriorityHigh: 0, PriorityNormal: 1, PriorityLow: 2}

// ScheduledService is the scheduler-internal record pairing a Service with
// live scheduling state (§3 "Scheduled service").
type ScheduledService struct {
	ServiceID       string         `json:"serviceId"`
	NestID          string         `json:"nestId"`
	Type            probe.Type     `json:"type"`
	Target          string         `json:"target"`
	Config          map[string]any `json:"config,omitempty"`
	Regions         []string       `json:"regions,omitempty"`
	IntervalSeconds int            `json:"intervalSeconds"`
	Priority        Priority       `json:"priority"`
	Enabled         bool           `json:"enabled"`
	CacheKey        string         `json:"cacheKey"`

	// Seq preserves insertion order within a priority tier (§4.1 step 1):
	// "within a priority, insertion order".
	Seq int64 `json:"seq"`

	NextCheckAt   time.Time `json:"nextCheckAt"`
	LastCheckAt   time.Time `json:"lastCheckAt"`
	Scheduled     int64     `json:"scheduled"`
	Completed     int64     `json:"completed"`
	Failed        int64     `json:"failed"`
	LastSuccessAt time.Time `json:"lastSuccessAt"`
	LastFailureAt time.Time `json:"lastFailureAt"`

	AverageResponseMs float64 `json:"averageResponseMs"`
	UptimePercent     float64 `json:"uptimePercent"`
}

// ApplyResult updates the service's rolling statistics for a single probe
// outcome (§4.1 "Moving averages"). It is the shared path for both a fresh
// probe and a cache-hit applied to a skipping service.
func (s *ScheduledService) ApplyResult(status probe.Status, responseTimeMs *int, at time.Time) {
	switch status {
	case probe.StatusUp:
		s.Completed++
		s.LastSuccessAt = at
		if responseTimeMs != nil {
			n := float64(s.Completed)
			s.AverageResponseMs = (s.AverageResponseMs*(n-1) + float64(*responseTimeMs)) / n
		}
	default:
		s.Completed++
		s.Failed++
		s.LastFailureAt = at
	}
	if s.Completed > 0 {
		s.UptimePercent = float64(s.Completed-s.Failed) / float64(s.Completed) * 100
	}
}

// RecordStore persists ScheduledService records in the scheduler's own
// hash (§4.5 "scheduler:services"), plus a monotonic sequence counter used
// to preserve insertion order within a priority tier.
// RecordStore.nextID is process-local: a restart resets the sequence, so
// insertion-order-within-priority is only guaranteed for the lifetime of one
// scheduler process (§3 "Scheduled service... derived and may be rebuilt
// from primary storage on startup").
type RecordStore struct {
	kv     store.Store
	nextID int64
}

func NewRecordStore(kv store.Store) *RecordStore {
	return &RecordStore{kv: kv}
}

func (r *RecordStore) Save(ctx context.Context, svc *ScheduledService) error {
	b, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshaling scheduled service: %w", err)
	}
	return r.kv.HashSet(ctx, store.SchedulerServicesKey, svc.ServiceID, b)
}

func (r *RecordStore) Get(ctx context.Context, serviceID string) (*ScheduledService, error) {
	b, err := r.kv.HashGet(ctx, store.SchedulerServicesKey, serviceID)
	if err != nil {
		return nil, err
	}
	var svc ScheduledService
	if err := json.Unmarshal(b, &svc); err != nil {
		return nil, fmt.Errorf("unmarshaling scheduled service: %w", err)
	}
	return &svc, nil
}

func (r *RecordStore) Remove(ctx context.Context, serviceID string) error {
	return r.kv.HashDelete(ctx, store.SchedulerServicesKey, serviceID)
}

func (r *RecordStore) All(ctx context.Context) ([]*ScheduledService, error) {
	raw, err := r.kv.HashGetAll(ctx, store.SchedulerServicesKey)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled services: %w", err)
	}
	out := make([]*ScheduledService, 0, len(raw))
	for _, b := range raw {
		var svc ScheduledService
		if err := json.Unmarshal(b, &svc); err != nil {
			continue
		}
		out = append(out, &svc)
	}
	return out, nil
}

// AddOrUpdate handles the "monitor_service" command (§4.1): adds preserve
// existing stats when the service id is already known.
func (r *RecordStore) AddOrUpdate(ctx context.Context, incoming ScheduledService) (*ScheduledService, error) {
	existing, err := r.Get(ctx, incoming.ServiceID)
	if err == nil {
		existing.Type = incoming.Type
		existing.Target = incoming.Target
		existing.Config = incoming.Config
		existing.Regions = incoming.Regions
		existing.IntervalSeconds = incoming.IntervalSeconds
		existing.Priority = incoming.Priority
		existing.Enabled = incoming.Enabled
		existing.CacheKey = incoming.CacheKey
		if err := r.Save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	r.nextID++
	incoming.Seq = r.nextID
	if incoming.Priority == "" {
		incoming.Priority = PriorityNormal
	}
	incoming.NextCheckAt = time.Now().UTC()
	if err := r.Save(ctx, &incoming); err != nil {
		return nil, err
	}
	return &incoming, nil
}
