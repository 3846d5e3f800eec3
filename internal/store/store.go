// Package store implements the tenant-scoped key/value storage abstraction
// (§4.5): get/put/delete/list-by-prefix plus hash, sorted-set, TTL, and
// pub/sub primitives, backed by Redis with an in-memory degraded-mode
// fallback. Entity-specific typed wrappers (nest, service, metrics,
// incident, worker, user) live next to the package that owns the entity and
// are built on top of the Store interface defined here.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HashGet when the key or field is absent.
var ErrNotFound = errors.New("store: not found")

// Message is a single pub/sub message delivered to a Subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Callers must call Close when
// done to release the underlying connection/goroutine.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the opaque key/value backend described in §4.5 and §6. Every
// method accepts a context so callers can propagate request deadlines
// (§5 "Suspension points").
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value at key with no expiry.
	Put(ctx context.Context, key string, value []byte) error
	// PutTTL stores value at key, expiring it after ttl.
	PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error
	// Increment atomically increments the integer at key by 1 and returns
	// the new value, setting ttl as the key's expiry only on the increment
	// that creates the key (mirrors Redis INCR + EXPIRE NX). Used by the
	// login and worker-registration rate limiters.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// HashSet sets field within the hash stored at key.
	HashSet(ctx context.Context, key, field string, value []byte) error
	// HashGet returns field within the hash stored at key, or ErrNotFound.
	HashGet(ctx context.Context, key, field string) ([]byte, error)
	// HashGetAll returns every field/value pair in the hash stored at key.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// HashDelete removes field from the hash stored at key.
	HashDelete(ctx context.Context, key, field string) error

	// SortedSetAdd adds member to the sorted set at key with the given score.
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	// SortedSetRange returns members in key ordered by ascending score,
	// using the same [start, stop] index semantics as Redis ZRANGE
	// (negative indices count from the end; -1 is the last element).
	SortedSetRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// SortedSetRemove removes member from the sorted set at key.
	SortedSetRemove(ctx context.Context, key, member string) error

	// SetAdd adds member to the set at key.
	SetAdd(ctx context.Context, key, member string) error
	// SetMembers returns every member of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping reports whether the backend is currently reachable.
	Ping(ctx context.Context) error
}
