package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenType distinguishes access from refresh tokens so a refresh token
// cannot be replayed as an access token even though both are HS256 JWTs
// signed with the same key.
type tokenType string

const (
	tokenTypeAccess  tokenType = "access"
	tokenTypeRefresh tokenType = "refresh"
)

// SessionClaims are the claims embedded in a self-issued session JWT.
type SessionClaims struct {
	Subject string    `json:"sub"`
	Email   string    `json:"email"`
	Role    string    `json:"role"`
	NestID  string    `json:"nest_id"`
	UserID  string    `json:"user_id"`
	Type    tokenType `json:"typ"`
}

// TokenPair is the access/refresh token pair returned to a successfully
// authenticated caller.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// SessionManager issues and validates self-signed session JWTs using HMAC-SHA256.
type SessionManager struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewSessionManager creates a session manager. The secret must be at least 32 bytes.
func NewSessionManager(secret, issuer string, accessTTL, refreshTTL time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &SessionManager{
		signingKey: []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// GenerateDevSecret generates a random 32-byte hex-encoded secret for dev mode.
func GenerateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// IssuePair issues a fresh access/refresh token pair for an authenticated user.
func (sm *SessionManager) IssuePair(userID, nestID, email, subject, role string) (TokenPair, error) {
	access, err := sm.issue(SessionClaims{
		Subject: subject, Email: email, Role: role, NestID: nestID, UserID: userID, Type: tokenTypeAccess,
	}, sm.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issuing access token: %w", err)
	}

	refresh, err := sm.issue(SessionClaims{
		Subject: subject, Email: email, Role: role, NestID: nestID, UserID: userID, Type: tokenTypeRefresh,
	}, sm.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issuing refresh token: %w", err)
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(sm.accessTTL.Seconds())}, nil
}

func (sm *SessionManager) issue(claims SessionClaims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: sm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    sm.issuer,
	}

	return jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
}

// ValidateAccessToken verifies an access token's signature, expiry, and type.
func (sm *SessionManager) ValidateAccessToken(raw string) (*SessionClaims, error) {
	return sm.validate(raw, tokenTypeAccess)
}

// ValidateRefreshToken verifies a refresh token's signature, expiry, and type.
func (sm *SessionManager) ValidateRefreshToken(raw string) (*SessionClaims, error) {
	return sm.validate(raw, tokenTypeRefresh)
}

func (sm *SessionManager) validate(raw string, want tokenType) (*SessionClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom SessionClaims
	if err := tok.Claims(sm.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: sm.issuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	if custom.Type != want {
		return nil, fmt.Errorf("unexpected token type %q, want %q", custom.Type, want)
	}

	return &custom, nil
}
