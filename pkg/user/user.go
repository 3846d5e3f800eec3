// Package user implements the account entity scoped under a nest, and the
// credential bookkeeping (password history, optional TOTP secret) the auth
// core operates on (§4.6).
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/store"
)

// Role is a user's permission level within their nest.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
	RoleEditor       Role = "editor"
	RoleViewer       Role = "viewer"
	RolePlatformAdmin Role = "platform_admin"
)

// User is an account scoped to a single nest.
type User struct {
	ID       uuid.UUID `json:"id"`
	NestID   uuid.UUID `json:"nestId"`
	Email    string    `json:"email"`
	Display  string    `json:"displayName"`
	Role     Role      `json:"role"`
	Active   bool      `json:"active"`

	EmailVerified bool `json:"emailVerified"`

	// PasswordHash holds the bcrypt hash when AUTH_PASSWORD_EXTERNAL is
	// false. When true, the hash instead lives in Vault and this is empty.
	PasswordHash string `json:"passwordHash,omitempty"`
	// PreviousPasswordHash is the single prior hash kept to reject
	// immediate password reuse (§6 Open Questions: history is one entry).
	PreviousPasswordHash string `json:"previousPasswordHash,omitempty"`
	PasswordExternal     bool   `json:"passwordExternal"`

	// TOTPSecret is non-empty when two-factor authentication is enabled.
	TOTPSecret string `json:"totpSecret,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists users in the KV abstraction, keyed by ID with a secondary
// email index scoped by nest.
type Store struct {
	kv store.Store
}

func NewStore(kv store.Store) *Store { return &Store{kv: kv} }

func (s *Store) save(ctx context.Context, u *User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling user: %w", err)
	}
	return s.kv.Put(ctx, store.UserKey(u.ID.String()), b)
}

// Create provisions a new user under nestID.
func (s *Store) Create(ctx context.Context, nestID uuid.UUID, email, display string, role Role) (*User, error) {
	if _, err := s.GetByEmail(ctx, nestID, email); err == nil {
		return nil, apperr.New(apperr.KindConflict, "email already registered")
	} else if !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	u := &User{
		ID:        uuid.New(),
		NestID:    nestID,
		Email:     email,
		Display:   display,
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, store.UserByEmailKey(nestID.String(), email), []byte(u.ID.String())); err != nil {
		return nil, fmt.Errorf("indexing user email: %w", err)
	}
	return u, nil
}

// Get fetches a user by ID.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	b, err := s.kv.Get(ctx, store.UserKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "user not found")
		}
		return nil, err
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("unmarshaling user: %w", err)
	}
	return &u, nil
}

// GetByEmail resolves a user within a nest by email.
func (s *Store) GetByEmail(ctx context.Context, nestID uuid.UUID, email string) (*User, error) {
	idBytes, err := s.kv.Get(ctx, store.UserByEmailKey(nestID.String(), email))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "user not found")
		}
		return nil, err
	}
	return s.Get(ctx, string(idBytes))
}

// UpdatePassword replaces the stored hash, retaining the prior hash as the
// single history entry used to reject immediate reuse.
func (s *Store) UpdatePassword(ctx context.Context, id, newHash string) (*User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.PreviousPasswordHash = u.PasswordHash
	u.PasswordHash = newHash
	u.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetTOTPSecret enables or disables two-factor authentication for a user.
func (s *Store) SetTOTPSecret(ctx context.Context, id, secret string) (*User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.TOTPSecret = secret
	u.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func isNotFound(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound
}
