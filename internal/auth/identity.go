// Package auth implements the session-JWT authentication core: credential
// verification, session issuance/validation, login rate limiting, 2FA, and
// role-based access control (§4.6).
package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/pkg/user"
)

// MethodSession is the only authentication method the core issues: a
// self-signed session JWT (§4.6). Browser-facing admin surfaces beyond
// login/session issuance are out of scope (§5 Non-goals).
const MethodSession = "session"

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID  uuid.UUID
	NestID  uuid.UUID
	Email   string
	Subject string
	Role    user.Role
	Method  string
}

type contextKey string

const identityKey contextKey = "auth_identity"

// NewContext stores identity in ctx.
func NewContext(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// FromContext extracts the authenticated identity from ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
