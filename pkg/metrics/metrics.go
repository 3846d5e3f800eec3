// Package metrics implements the Aggregated metrics entity (§3): periodic
// rollups keyed by (nest, service, period, window-start) tracking uptime
// ratio, average response time, check counts, and incident count.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/scheduler"
)

// Period names a rollup window granularity (§3 "period ∈ hour|day|month").
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// windowSize is each period's nominal bucket width. WindowStart does not use
// it: windows are cut on calendar fields, so a month window is a calendar
// month rather than 30 days.
var windowSize = map[Period]time.Duration{
	PeriodHour:  time.Hour,
	PeriodDay:   24 * time.Hour,
	PeriodMonth: 30 * 24 * time.Hour,
}

// Rollup is one aggregated-metrics record (§3 "Aggregated metrics").
type Rollup struct {
	NestID        uuid.UUID `json:"nestId"`
	ServiceID     uuid.UUID `json:"serviceId"`
	Period        Period    `json:"period"`
	WindowStart   time.Time `json:"windowStart"`
	TotalChecks   int64     `json:"totalChecks"`
	SuccessChecks int64     `json:"successChecks"`
	FailedChecks  int64     `json:"failedChecks"`
	UptimeRatio   float64   `json:"uptimeRatio"`
	AvgResponseMs float64   `json:"avgResponseMs"`
	IncidentCount int       `json:"incidentCount"`
}

// WindowStart truncates at to the start of the window it falls in for
// period. Hour and day windows align to UTC clock boundaries; month windows
// align to the first of the UTC calendar month, since a flat 30-day bucket
// would drift against "month" meaning a calendar month over a year of
// rollups.
func WindowStart(period Period, at time.Time) time.Time {
	at = at.UTC()
	switch period {
	case PeriodHour:
		return time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), 0, 0, 0, time.UTC)
	case PeriodDay:
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return at
	}
}

// Store persists rollups (§4.5, `metrics:<serviceId>:<period>:<windowStartMillis>`).
type Store struct {
	kv store.Store
}

// NewStore builds a metrics Store over kv.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

func (s *Store) key(serviceID string, period Period, windowStart time.Time) string {
	return store.MetricsKey(fmt.Sprintf("%s:%s", serviceID, period), windowStart.UnixMilli())
}

// Get fetches a single rollup, or (nil, nil) if it has not been recorded.
func (s *Store) Get(ctx context.Context, serviceID string, period Period, windowStart time.Time) (*Rollup, error) {
	b, err := s.kv.Get(ctx, s.key(serviceID, period, windowStart))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var r Rollup
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling rollup: %w", err)
	}
	return &r, nil
}

func (s *Store) save(ctx context.Context, r *Rollup) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling rollup: %w", err)
	}
	return s.kv.Put(ctx, s.key(r.ServiceID.String(), r.Period, r.WindowStart), b)
}

// List returns every rollup recorded for serviceID at period.
func (s *Store) List(ctx context.Context, serviceID string, period Period) ([]*Rollup, error) {
	keys, err := s.kv.List(ctx, store.MetricsPrefix(fmt.Sprintf("%s:%s", serviceID, period)))
	if err != nil {
		return nil, fmt.Errorf("listing rollups: %w", err)
	}
	out := make([]*Rollup, 0, len(keys))
	for _, key := range keys {
		b, err := s.kv.Get(ctx, key)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		var r Rollup
		if err := json.Unmarshal(b, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// RollUp computes (or updates) the rollup covering at's window for svc,
// folding in one probe outcome. It is the incremental path invoked from the
// result pipeline, avoiding a full re-scan of raw checks per result.
func (s *Store) RollUp(ctx context.Context, svc *scheduler.ScheduledService, status string, responseMs *int, at time.Time, period Period) error {
	windowStart := WindowStart(period, at)
	r, err := s.Get(ctx, svc.ServiceID, period, windowStart)
	if err != nil {
		return err
	}
	nestID, err := uuid.Parse(svc.NestID)
	if err != nil {
		return fmt.Errorf("parsing nest id: %w", err)
	}
	serviceID, err := uuid.Parse(svc.ServiceID)
	if err != nil {
		return fmt.Errorf("parsing service id: %w", err)
	}
	if r == nil {
		r = &Rollup{NestID: nestID, ServiceID: serviceID, Period: period, WindowStart: windowStart}
	}

	r.TotalChecks++
	if status == "up" {
		r.SuccessChecks++
		if responseMs != nil {
			n := float64(r.SuccessChecks)
			r.AvgResponseMs = (r.AvgResponseMs*(n-1) + float64(*responseMs)) / n
		}
	} else {
		r.FailedChecks++
	}
	if r.TotalChecks > 0 {
		r.UptimeRatio = float64(r.SuccessChecks) / float64(r.TotalChecks)
	}
	return s.save(ctx, r)
}

// RecordIncident increments the incident counter on the rollup covering at
// (§3 "incident count"), called once per newly opened incident.
func (s *Store) RecordIncident(ctx context.Context, nestID, serviceID uuid.UUID, at time.Time, period Period) error {
	windowStart := WindowStart(period, at)
	r, err := s.Get(ctx, serviceID.String(), period, windowStart)
	if err != nil {
		return err
	}
	if r == nil {
		r = &Rollup{NestID: nestID, ServiceID: serviceID, Period: period, WindowStart: windowStart}
	}
	r.IncidentCount++
	return s.save(ctx, r)
}
