package nest

import (
	"context"
	"fmt"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/store"
)

// CountServices returns the number of active services under nestID: the
// members of the nest's service set, which holds only active service ids.
func CountServices(ctx context.Context, kv store.Store, nestID string) (int, error) {
	members, err := kv.SetMembers(ctx, store.NestServicesSetKey(nestID))
	if err != nil {
		return 0, fmt.Errorf("listing nest services: %w", err)
	}
	return len(members), nil
}

// CheckQuota enforces the invariant count(services where nestId=N and
// active) <= quota(tier) (§4.4) before a new service is added. adding is the
// number of services about to be created (normally 1).
func CheckQuota(ctx context.Context, kv store.Store, n *Nest, adding int) error {
	quota := n.Tier.Quota()
	if quota == UnlimitedQuota {
		return nil
	}
	current, err := CountServices(ctx, kv, n.ID.String())
	if err != nil {
		return err
	}
	if current+adding > quota {
		return apperr.New(apperr.KindConflict, fmt.Sprintf(
			"nest %s: service quota exceeded (%d/%d on %s tier)", n.ID, current+adding, n.Tier.Quota(), n.Tier))
	}
	return nil
}
