// Package service implements the Service ("watcher") entity (§3): a probe
// definition owned by a nest, plus the scheduler-internal ScheduledService
// record that pairs it with live scheduling state.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/nest"
	"github.com/wisbric/nightowl/pkg/probe"
)

// Strategy names how a service's configured regions are used to route
// probe commands.
type Strategy string

const (
	StrategyClosest       Strategy = "closest"
	StrategyAllSelected   Strategy = "all-selected"
	StrategyRoundRobin    Strategy = "round-robin"
	StrategyFailover      Strategy = "failover"
)

// RegionSelection configures which worker regions probe a service.
type RegionSelection struct {
	Regions     []string `json:"regions,omitempty"`
	Strategy    Strategy `json:"strategy,omitempty"`
	MinRegions  int      `json:"minRegions,omitempty"`
	MaxRegions  int      `json:"maxRegions,omitempty"`
}

// SinkType names a notification channel kind.
type SinkType string

const (
	SinkEmail   SinkType = "email"
	SinkSlack   SinkType = "slack"
	SinkWebhook SinkType = "webhook"
)

// NotificationSink is a single outbound notification target attached to a
// service. Delivery itself is out of scope (§1) — the core only persists
// and exposes sink configuration to the external notification collaborator.
type NotificationSink struct {
	Type   SinkType `json:"type"`
	Target string   `json:"target"`
}

// Service is a probe definition owned by a nest (§3).
type Service struct {
	ID              uuid.UUID          `json:"id"`
	NestID          uuid.UUID          `json:"nestId"`
	Name            string             `json:"name"`
	Type            probe.Type         `json:"type"`
	Target          string             `json:"target"`
	IntervalSeconds int                `json:"intervalSeconds"`
	Config          map[string]any     `json:"config,omitempty"`
	Region          RegionSelection    `json:"region"`
	Sinks           []NotificationSink `json:"sinks,omitempty"`
	Active          bool               `json:"active"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// CacheKey computes the dedup cache key (§4.1) for this service's probe.
func (s *Service) CacheKey() string {
	method, _ := s.Config["method"].(string)
	headers := map[string]string{}
	if raw, ok := s.Config["headers"].(map[string]string); ok {
		headers = raw
	}
	return probe.CanonicalCacheKey(s.Target, s.Type, method, headers)
}

// minIntervalSeconds is the floor enforced regardless of tier; the spec
// leaves the per-tier minimum to the admin API, which is out of scope here.
const minIntervalSeconds = 10

// Store persists services and enforces the per-nest quota invariant (§3).
type Store struct {
	kv store.Store
}

// NewStore builds a service Store over kv.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

// Create provisions a new service, enforcing the nest's active-service
// quota (§3 invariant, §8 scenario 5) before persisting.
func (s *Store) Create(ctx context.Context, n *nest.Nest, svc Service) (*Service, error) {
	if svc.Name == "" || svc.Target == "" {
		return nil, apperr.New(apperr.KindValidation, "name and target are required")
	}
	if svc.IntervalSeconds < minIntervalSeconds {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("interval must be >= %ds", minIntervalSeconds))
	}
	if svc.Active {
		if err := nest.CheckQuota(ctx, s.kv, n, 1); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	svc.ID = uuid.New()
	svc.NestID = n.ID
	svc.CreatedAt = now
	svc.UpdatedAt = now

	if err := s.save(ctx, &svc); err != nil {
		return nil, err
	}
	if svc.Active {
		if err := s.kv.SetAdd(ctx, store.NestServicesSetKey(n.ID.String()), svc.ID.String()); err != nil {
			return nil, fmt.Errorf("indexing nest service: %w", err)
		}
	}
	return &svc, nil
}

func (s *Store) save(ctx context.Context, svc *Service) error {
	b, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshaling service: %w", err)
	}
	if err := s.kv.Put(ctx, store.ServiceKey(svc.ID.String()), b); err != nil {
		return fmt.Errorf("storing service: %w", err)
	}
	return nil
}

// Get fetches a service by id, verifying it belongs to nestID (§4.5
// cross-tenant read protection). A mismatch is reported as not-found rather
// than authorization, matching the invariant in §8.
func (s *Store) Get(ctx context.Context, nestID, id string) (*Service, error) {
	b, err := s.kv.Get(ctx, store.ServiceKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "service not found")
		}
		return nil, err
	}
	var svc Service
	if err := json.Unmarshal(b, &svc); err != nil {
		return nil, fmt.Errorf("unmarshaling service: %w", err)
	}
	if svc.NestID.String() != nestID {
		return nil, apperr.New(apperr.KindNotFound, "service not found")
	}
	return &svc, nil
}

// ListActive returns every active service owned by nestID.
func (s *Store) ListActive(ctx context.Context, nestID string) ([]*Service, error) {
	ids, err := s.kv.SetMembers(ctx, store.NestServicesSetKey(nestID))
	if err != nil {
		return nil, fmt.Errorf("listing nest services: %w", err)
	}
	out := make([]*Service, 0, len(ids))
	for _, id := range ids {
		svc, err := s.Get(ctx, nestID, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// SetActive toggles a service's active flag, maintaining the nest's active
// set index and enforcing quota when activating.
func (s *Store) SetActive(ctx context.Context, n *nest.Nest, id string, active bool) (*Service, error) {
	svc, err := s.Get(ctx, n.ID.String(), id)
	if err != nil {
		return nil, err
	}
	if active && !svc.Active {
		if err := nest.CheckQuota(ctx, s.kv, n, 1); err != nil {
			return nil, err
		}
	}
	svc.Active = active
	svc.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, svc); err != nil {
		return nil, err
	}
	if active {
		err = s.kv.SetAdd(ctx, store.NestServicesSetKey(n.ID.String()), svc.ID.String())
	} else {
		err = s.kv.SetRemove(ctx, store.NestServicesSetKey(n.ID.String()), svc.ID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("updating nest service index: %w", err)
	}
	return svc, nil
}

func isNotFound(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound
}
