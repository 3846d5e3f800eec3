// Package nest implements the tenant entity ("nest"): the status page /
// account boundary every service, user, and worker credential is scoped
// under (§4.4).
package nest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/store"
)

// Tier names the service-count quota tier a nest is billed under (§4.4).
type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// UnlimitedQuota is the Quota() sentinel for tiers with no service cap.
const UnlimitedQuota = -1

// Quota is the maximum number of active services a nest on this tier may
// run concurrently, or UnlimitedQuota if the tier has no cap (§3).
func (t Tier) Quota() int {
	switch t {
	case TierPro:
		return 25
	case TierUnlimited:
		return UnlimitedQuota
	default:
		return 5
	}
}

var subdomainPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)

// Nest is a tenant: the top-level entity every service, user, and worker
// credential belongs to.
type Nest struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Subdomain string    `json:"subdomain"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists nests in the tenant-scoped KV abstraction (§4.5), keyed by
// ID with a secondary subdomain index for lookup during request routing.
type Store struct {
	kv store.Store
}

// NewStore builds a nest Store over kv.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

// Create provisions a new nest. Subdomains must be unique and match the DNS
// label pattern used for the status page hostname.
func (s *Store) Create(ctx context.Context, name, subdomain string, tier Tier) (*Nest, error) {
	if !subdomainPattern.MatchString(subdomain) {
		return nil, apperr.New(apperr.KindValidation, "subdomain must match "+subdomainPattern.String())
	}

	if _, err := s.GetBySubdomain(ctx, subdomain); err == nil {
		return nil, apperr.New(apperr.KindConflict, "subdomain already in use")
	} else if !isNotFound(err) {
		return nil, err
	}

	n := &Nest{
		ID:        uuid.New(),
		Name:      name,
		Subdomain: subdomain,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.save(ctx, n); err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, store.NestBySubdomainKey(subdomain), []byte(n.ID.String())); err != nil {
		return nil, fmt.Errorf("indexing nest subdomain: %w", err)
	}
	return n, nil
}

func (s *Store) save(ctx context.Context, n *Nest) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling nest: %w", err)
	}
	if err := s.kv.Put(ctx, store.NestKey(n.ID.String()), b); err != nil {
		return fmt.Errorf("storing nest: %w", err)
	}
	return nil
}

// Get fetches a nest by ID.
func (s *Store) Get(ctx context.Context, id string) (*Nest, error) {
	b, err := s.kv.Get(ctx, store.NestKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "nest not found")
		}
		return nil, err
	}
	var n Nest
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("unmarshaling nest: %w", err)
	}
	return &n, nil
}

// GetBySubdomain resolves a nest from its status page subdomain.
func (s *Store) GetBySubdomain(ctx context.Context, subdomain string) (*Nest, error) {
	idBytes, err := s.kv.Get(ctx, store.NestBySubdomainKey(subdomain))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "nest not found")
		}
		return nil, err
	}
	return s.Get(ctx, string(idBytes))
}

// UpdateTier changes a nest's billing tier.
func (s *Store) UpdateTier(ctx context.Context, id string, tier Tier) (*Nest, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	n.Tier = tier
	if err := s.save(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func isNotFound(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound
}
