package auth

import (
	"context"
	"time"

	"github.com/wisbric/nightowl/internal/store"
)

// RateLimiter limits login attempts per IP using the KV store's atomic
// increment primitive (§4.6).
type RateLimiter struct {
	kv         store.Store
	maxAttempt int
	window     time.Duration
}

// NewRateLimiter creates a rate limiter. maxAttempt is the max failed attempts
// allowed per IP within the given window.
func NewRateLimiter(kv store.Store, maxAttempt int, window time.Duration) *RateLimiter {
	return &RateLimiter{kv: kv, maxAttempt: maxAttempt, window: window}
}

// RateLimitResult holds the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

// Check returns whether the given IP is allowed to attempt a login, without
// consuming an attempt.
func (rl *RateLimiter) Check(ctx context.Context, ip string) (*RateLimitResult, error) {
	key := store.LoginRateLimitKey(ip)

	v, err := rl.kv.Get(ctx, key)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	count := 0
	if err == nil {
		count = atoiOrZero(string(v))
	}

	if count >= rl.maxAttempt {
		return &RateLimitResult{Allowed: false, Remaining: 0, RetryAt: time.Now().Add(rl.window)}, nil
	}
	return &RateLimitResult{Allowed: true, Remaining: rl.maxAttempt - count}, nil
}

// Record records a failed login attempt for the given IP.
func (rl *RateLimiter) Record(ctx context.Context, ip string) error {
	_, err := rl.kv.Increment(ctx, store.LoginRateLimitKey(ip), rl.window)
	return err
}

// Reset clears the rate limit counter for a given IP (on successful login).
func (rl *RateLimiter) Reset(ctx context.Context, ip string) error {
	return rl.kv.Delete(ctx, store.LoginRateLimitKey(ip))
}

// AccountLockout tracks failed login attempts per (nest, email) independent
// of the caller's IP, so a distributed attack against a single account still
// locks it out even when spread across many source addresses (§4.6).
type AccountLockout struct {
	kv         store.Store
	maxAttempt int
	lockFor    time.Duration
}

// NewAccountLockout creates an account lockout tracker. lockFor is both the
// failed-attempt counting window and the lockout duration once maxAttempt is
// reached.
func NewAccountLockout(kv store.Store, maxAttempt int, lockFor time.Duration) *AccountLockout {
	return &AccountLockout{kv: kv, maxAttempt: maxAttempt, lockFor: lockFor}
}

// Locked reports whether the account is currently locked out.
func (l *AccountLockout) Locked(ctx context.Context, nestID, email string) (bool, error) {
	v, err := l.kv.Get(ctx, store.LockoutKey(nestID, email))
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return atoiOrZero(string(v)) >= l.maxAttempt, nil
}

// RecordFailure records a failed attempt, locking the account out once
// maxAttempt is reached within the window.
func (l *AccountLockout) RecordFailure(ctx context.Context, nestID, email string) error {
	_, err := l.kv.Increment(ctx, store.LockoutKey(nestID, email), l.lockFor)
	return err
}

// Reset clears the lockout counter on a successful login.
func (l *AccountLockout) Reset(ctx context.Context, nestID, email string) error {
	return l.kv.Delete(ctx, store.LockoutKey(nestID, email))
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
