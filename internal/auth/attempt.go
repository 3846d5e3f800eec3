package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/nightowl/internal/store"
)

// attemptRetention bounds how long auth-attempt rows are kept around; they
// exist to answer "what happened on this account recently", not as a
// permanent audit trail (that's internal/audit's job).
const attemptRetention = 24 * time.Hour

// AuthAttempt is a single login attempt (§3 "Auth attempt"): email, the
// resolved user id when known, requester IP/user-agent, a timestamp, and the
// outcome. Queried by (email, since-timestamp).
type AuthAttempt struct {
	Email         string `json:"email"`
	UserID        string `json:"userId,omitempty"`
	IP            string `json:"ip"`
	UserAgent     string `json:"userAgent"`
	Timestamp     int64  `json:"timestamp"`
	Success       bool   `json:"success"`
	FailureReason string `json:"failureReason,omitempty"`
}

// AttemptRecorder persists AuthAttempt rows in the tenant-scoped KV store.
type AttemptRecorder struct {
	kv store.Store
}

// NewAttemptRecorder builds an AttemptRecorder over kv.
func NewAttemptRecorder(kv store.Store) *AttemptRecorder {
	return &AttemptRecorder{kv: kv}
}

// Record writes an auth-attempt row for later querying. Recording is
// best-effort from the caller's perspective: HandleLogin logs but does not
// fail the request if this errors, since the login decision has already been
// made by the time it's called.
func (a *AttemptRecorder) Record(ctx context.Context, attempt AuthAttempt) error {
	b, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshaling auth attempt: %w", err)
	}
	key := store.AuthAttemptKey(attempt.Email, attempt.Timestamp)
	return a.kv.PutTTL(ctx, key, b, attemptRetention)
}

// Since returns every attempt recorded for email at or after sinceUnixMillis,
// ordered arbitrarily — callers needing order should sort on Timestamp.
func (a *AttemptRecorder) Since(ctx context.Context, email string, sinceUnixMillis int64) ([]AuthAttempt, error) {
	keys, err := a.kv.List(ctx, store.AuthAttemptsPrefix(email))
	if err != nil {
		return nil, fmt.Errorf("listing auth attempts: %w", err)
	}
	out := make([]AuthAttempt, 0, len(keys))
	for _, key := range keys {
		b, err := a.kv.Get(ctx, key)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		var att AuthAttempt
		if err := json.Unmarshal(b, &att); err != nil {
			continue
		}
		if att.Timestamp >= sinceUnixMillis {
			out = append(out, att)
		}
	}
	return out, nil
}
