// Package incident implements the Incident entity (§3): an outage window
// tracked per (service, type), with the invariant that at most one incident
// of a given type is open for a service at any time.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/probe"
)

// Type names the outage kind (§3 "Incident").
type Type string

const (
	TypeDown        Type = "down"
	TypeDegraded    Type = "degraded"
	TypeMaintenance Type = "maintenance"
)

// Incident tracks an outage window for one service (§3).
type Incident struct {
	ID                 uuid.UUID  `json:"id"`
	NestID              uuid.UUID  `json:"nestId"`
	ServiceID           uuid.UUID  `json:"serviceId"`
	Type                Type       `json:"type"`
	StartedAt           time.Time  `json:"startedAt"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	AffectedCheckCount  int        `json:"affectedCheckCount"`
}

// Duration reports how long the incident has been (or was) open.
func (i *Incident) Duration() time.Duration {
	if i.ResolvedAt != nil {
		return i.ResolvedAt.Sub(i.StartedAt)
	}
	return time.Since(i.StartedAt)
}

// Open reports whether the incident has not yet been resolved.
func (i *Incident) Open() bool { return i.ResolvedAt == nil }

// Store persists incidents and enforces the one-open-incident-per-(service,
// type) invariant (§3), keyed via the nest's open-incident index
// (`nest:<nestId>:open-incidents` sorted set scored by start time, member
// `<serviceId>:<type>:<incidentId>`) so a janitor can list every incident
// still open across a nest without scanning `incident:*`.
type Store struct {
	kv store.Store
}

// NewStore builds an incident Store over kv.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

func openIndexKey(nestID string) string { return "nest:" + nestID + ":open-incidents" }

func openMember(serviceID string, typ Type, incidentID string) string {
	return fmt.Sprintf("%s:%s:%s", serviceID, typ, incidentID)
}

// Open starts a new incident for (serviceID, typ), or returns the
// already-open incident of that type if one exists (§3 "one open incident
// per (service, type) at a time").
func (s *Store) Open(ctx context.Context, nestID, serviceID uuid.UUID, typ Type, reason string) (*Incident, error) {
	existing, err := s.findOpen(ctx, nestID.String(), serviceID.String(), typ)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	inc := &Incident{
		ID:        uuid.New(),
		NestID:    nestID,
		ServiceID: serviceID,
		Type:      typ,
		StartedAt: now,
		Reason:    reason,
	}
	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	member := openMember(serviceID.String(), typ, inc.ID.String())
	if err := s.kv.SortedSetAdd(ctx, openIndexKey(nestID.String()), float64(now.UnixMilli()), member); err != nil {
		return nil, fmt.Errorf("indexing open incident: %w", err)
	}
	return inc, nil
}

// Resolve closes an open incident, setting resolvedAt and removing it from
// the nest's open-incident index.
func (s *Store) Resolve(ctx context.Context, nestID, id string) (*Incident, error) {
	inc, err := s.Get(ctx, nestID, id)
	if err != nil {
		return nil, err
	}
	if !inc.Open() {
		return inc, nil
	}
	now := time.Now().UTC()
	inc.ResolvedAt = &now
	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	member := openMember(inc.ServiceID.String(), inc.Type, inc.ID.String())
	if err := s.kv.SortedSetRemove(ctx, openIndexKey(nestID), member); err != nil {
		return nil, fmt.Errorf("removing open incident index: %w", err)
	}
	return inc, nil
}

// RecordAffectedCheck increments an open incident's affected-check counter,
// called once per probe result that reaffirms the outage is ongoing.
func (s *Store) RecordAffectedCheck(ctx context.Context, nestID, id string) error {
	inc, err := s.Get(ctx, nestID, id)
	if err != nil {
		return err
	}
	inc.AffectedCheckCount++
	return s.save(ctx, inc)
}

// Get fetches an incident by id, verifying it belongs to nestID (§4.5
// cross-tenant read protection).
func (s *Store) Get(ctx context.Context, nestID, id string) (*Incident, error) {
	b, err := s.kv.Get(ctx, store.IncidentKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "incident not found")
		}
		return nil, err
	}
	var inc Incident
	if err := json.Unmarshal(b, &inc); err != nil {
		return nil, fmt.Errorf("unmarshaling incident: %w", err)
	}
	if inc.NestID.String() != nestID {
		return nil, apperr.New(apperr.KindNotFound, "incident not found")
	}
	return &inc, nil
}

// ListOpen returns every currently open incident for a nest, ordered by
// start time ascending.
func (s *Store) ListOpen(ctx context.Context, nestID string) ([]*Incident, error) {
	members, err := s.kv.SortedSetRange(ctx, openIndexKey(nestID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("listing open incidents: %w", err)
	}
	out := make([]*Incident, 0, len(members))
	for _, member := range members {
		id := lastSegment(member)
		inc, err := s.Get(ctx, nestID, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func (s *Store) findOpen(ctx context.Context, nestID, serviceID string, typ Type) (*Incident, error) {
	open, err := s.ListOpen(ctx, nestID)
	if err != nil {
		return nil, err
	}
	for _, inc := range open {
		if inc.ServiceID.String() == serviceID && inc.Type == typ {
			return inc, nil
		}
	}
	return nil, nil
}

func (s *Store) save(ctx context.Context, inc *Incident) error {
	b, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshaling incident: %w", err)
	}
	return s.kv.Put(ctx, store.IncidentKey(inc.ID.String()), b)
}

func lastSegment(member string) string {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			return member[i+1:]
		}
	}
	return member
}

func isNotFound(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound
}

// StatusForResult maps a probe status to the incident type it should open
// or resolve against (§3): only down/degraded track outage windows,
// maintenance incidents are opened administratively (out of scope here).
func StatusForResult(status probe.Status) (Type, bool) {
	switch status {
	case probe.StatusDown:
		return TypeDown, true
	case probe.StatusDegraded:
		return TypeDegraded, true
	default:
		return "", false
	}
}
