package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Tiered wraps a primary Store with a local MemStore used only while the
// primary is unreachable. This is a correctness hazard by design (§9): local
// writes made while degraded are never reconciled back into the primary on
// reconnect, so the primary is treated as authoritative again the moment it
// answers, with no attempt to replay what happened locally in between.
type Tiered struct {
	primary  Store
	fallback *MemStore
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewTiered builds a degraded-mode-capable store in front of primary.
func NewTiered(primary Store, logger *slog.Logger) *Tiered {
	return &Tiered{primary: primary, fallback: NewMemStore(), logger: logger}
}

// Degraded reports whether the most recent operation had to fall back to the
// local memory store because the primary was unreachable.
func (t *Tiered) Degraded() bool { return t.degraded.Load() }

func (t *Tiered) markDegraded(op string, err error) {
	if t.degraded.CompareAndSwap(false, true) {
		t.logger.Warn("storage: primary unreachable, entering degraded mode", "op", op, "error", err)
	}
}

func (t *Tiered) markRecovered() {
	if t.degraded.CompareAndSwap(true, false) {
		t.logger.Info("storage: primary reachable again, leaving degraded mode (local writes not reconciled)")
	}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := t.primary.Get(ctx, key)
	if err == nil {
		t.markRecovered()
		return v, nil
	}
	if err == ErrNotFound {
		return nil, err
	}
	t.markDegraded("get", err)
	if local, ok := t.fallback.getLocal(key); ok {
		return local, nil
	}
	return nil, err
}

func (t *Tiered) Put(ctx context.Context, key string, value []byte) error {
	if err := t.primary.Put(ctx, key, value); err != nil {
		t.markDegraded("put", err)
		return t.fallback.Put(ctx, key, value)
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.primary.PutTTL(ctx, key, value, ttl); err != nil {
		t.markDegraded("put_ttl", err)
		return t.fallback.PutTTL(ctx, key, value, ttl)
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := t.primary.Increment(ctx, key, ttl)
	if err != nil {
		t.markDegraded("increment", err)
		return t.fallback.Increment(ctx, key, ttl)
	}
	t.markRecovered()
	return n, nil
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.fallback.Delete(ctx, key)
	if err := t.primary.Delete(ctx, key); err != nil {
		t.markDegraded("delete", err)
		return nil
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := t.primary.List(ctx, prefix)
	if err != nil {
		t.markDegraded("list", err)
		return t.fallback.List(ctx, prefix)
	}
	t.markRecovered()
	return keys, nil
}

func (t *Tiered) HashSet(ctx context.Context, key, field string, value []byte) error {
	if err := t.primary.HashSet(ctx, key, field, value); err != nil {
		t.markDegraded("hash_set", err)
		return t.fallback.HashSet(ctx, key, field, value)
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := t.primary.HashGet(ctx, key, field)
	if err == nil {
		t.markRecovered()
		return v, nil
	}
	if err == ErrNotFound {
		return nil, err
	}
	t.markDegraded("hash_get", err)
	return t.fallback.HashGet(ctx, key, field)
}

func (t *Tiered) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := t.primary.HashGetAll(ctx, key)
	if err != nil {
		t.markDegraded("hash_get_all", err)
		return t.fallback.HashGetAll(ctx, key)
	}
	t.markRecovered()
	return m, nil
}

func (t *Tiered) HashDelete(ctx context.Context, key, field string) error {
	_ = t.fallback.HashDelete(ctx, key, field)
	if err := t.primary.HashDelete(ctx, key, field); err != nil {
		t.markDegraded("hash_delete", err)
		return nil
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	if err := t.primary.SortedSetAdd(ctx, key, score, member); err != nil {
		t.markDegraded("zadd", err)
		return t.fallback.SortedSetAdd(ctx, key, score, member)
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) SortedSetRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := t.primary.SortedSetRange(ctx, key, start, stop)
	if err != nil {
		t.markDegraded("zrange", err)
		return t.fallback.SortedSetRange(ctx, key, start, stop)
	}
	t.markRecovered()
	return members, nil
}

func (t *Tiered) SortedSetRemove(ctx context.Context, key, member string) error {
	_ = t.fallback.SortedSetRemove(ctx, key, member)
	if err := t.primary.SortedSetRemove(ctx, key, member); err != nil {
		t.markDegraded("zrem", err)
		return nil
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) SetAdd(ctx context.Context, key, member string) error {
	if err := t.primary.SetAdd(ctx, key, member); err != nil {
		t.markDegraded("sadd", err)
		return t.fallback.SetAdd(ctx, key, member)
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := t.primary.SetMembers(ctx, key)
	if err != nil {
		t.markDegraded("smembers", err)
		return t.fallback.SetMembers(ctx, key)
	}
	t.markRecovered()
	return members, nil
}

func (t *Tiered) SetRemove(ctx context.Context, key, member string) error {
	_ = t.fallback.SetRemove(ctx, key, member)
	if err := t.primary.SetRemove(ctx, key, member); err != nil {
		t.markDegraded("srem", err)
		return nil
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.primary.Publish(ctx, channel, payload); err != nil {
		t.markDegraded("publish", err)
		return nil
	}
	t.markRecovered()
	return nil
}

func (t *Tiered) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return t.primary.Subscribe(ctx, channel)
}

func (t *Tiered) Ping(ctx context.Context) error {
	return t.primary.Ping(ctx)
}
