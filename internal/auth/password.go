package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/secretstore"
)

// PasswordPolicy validates and hashes passwords according to the operator's
// configured minimum length and bcrypt cost.
type PasswordPolicy struct {
	MinLength   int
	BcryptCost  int
	External    bool // when true, hashes are stored in Vault instead of inline on the user record
	secretStore *secretstore.Store
}

// NewPasswordPolicy builds a PasswordPolicy. secretStore may be nil when
// External is false.
func NewPasswordPolicy(minLength, bcryptCost int, external bool, secretStore *secretstore.Store) *PasswordPolicy {
	return &PasswordPolicy{MinLength: minLength, BcryptCost: bcryptCost, External: external, secretStore: secretStore}
}

// Validate enforces the minimum length policy.
func (p *PasswordPolicy) Validate(password string) error {
	if len(password) < p.MinLength {
		return apperr.New(apperr.KindValidation, fmt.Sprintf("password must be at least %d characters", p.MinLength))
	}
	return nil
}

// Hash produces a bcrypt hash for inline storage on the user record.
func (p *PasswordPolicy) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), p.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(b), nil
}

// Verify reports whether password matches hash.
func (p *PasswordPolicy) Verify(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// RejectsReuse reports whether newPassword matches the user's single
// retained prior hash (§6 Open Questions: password history is exactly one entry).
func (p *PasswordPolicy) RejectsReuse(previousHash, newPassword string) bool {
	return p.Verify(previousHash, newPassword)
}

// StoreExternal writes a user's password hash to Vault instead of inline,
// for deployments with AUTH_PASSWORD_EXTERNAL set.
func (p *PasswordPolicy) StoreExternal(ctx context.Context, userID, hash string) error {
	if p.secretStore == nil {
		return fmt.Errorf("external password storage requested but no secret store is configured")
	}
	return p.secretStore.Write(ctx, secretstore.PasswordPath(userID), map[string]interface{}{"hash": hash})
}

// ReadExternal fetches a user's password hash from Vault.
func (p *PasswordPolicy) ReadExternal(ctx context.Context, userID string) (string, error) {
	if p.secretStore == nil {
		return "", fmt.Errorf("external password storage requested but no secret store is configured")
	}
	data, err := p.secretStore.Read(ctx, secretstore.PasswordPath(userID))
	if err != nil {
		return "", err
	}
	hash, _ := data["hash"].(string)
	return hash, nil
}
