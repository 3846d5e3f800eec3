package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/pkg/probe"
)

// DedupCache tracks the last dispatch time per cache key in-process, and
// caches the resulting probe result in shared storage so every scheduler
// replica observes the same dedup window (§4.1 "Deduplication cache").
type DedupCache struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	window   time.Duration
	kv       store.Store
}

func NewDedupCache(kv store.Store, window time.Duration) *DedupCache {
	return &DedupCache{lastSeen: make(map[string]time.Time), window: window, kv: kv}
}

// shouldDispatch reports whether a fresh outbound probe should be published
// for cacheKey, marking it dispatched as a side effect when it returns true.
func (d *DedupCache) shouldDispatch(cacheKey string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSeen[cacheKey]; ok && now.Sub(last) < d.window {
		return false
	}
	d.lastSeen[cacheKey] = now
	return true
}

// CachedResult looks up check:cache:<cacheKey> (§4.1). A miss means the
// skipping service is neither probed nor given a result this tick; it is
// considered again when it next falls due (§9 Open Questions).
func (d *DedupCache) CachedResult(ctx context.Context, cacheKey string) (*probe.Result, bool, error) {
	b, err := d.kv.Get(ctx, store.CheckCacheKey(cacheKey))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cache-key result: %w", err)
	}
	var res probe.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, false, fmt.Errorf("unmarshaling cached result: %w", err)
	}
	return &res, true, nil
}

// Store caches a probe result under its cache key with TTL (§4.1, §4.4).
func (d *DedupCache) Store(ctx context.Context, res probe.Result) error {
	if res.CacheKey == "" {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling result for cache: %w", err)
	}
	return d.kv.PutTTL(ctx, store.CheckCacheKey(res.CacheKey), b, d.window)
}
