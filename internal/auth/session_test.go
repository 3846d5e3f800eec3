package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_IssueAndValidate(t *testing.T) {
	sm, err := NewSessionManager("a-secret-that-is-at-least-32-bytes-long", "nightowl-monitor", 15*time.Minute, 720*time.Hour)
	require.NoError(t, err)

	pair, err := sm.IssuePair("user-1", "nest-1", "a@example.com", "Alice", "owner")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := sm.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "owner", claims.Role)

	_, err = sm.ValidateAccessToken(pair.RefreshToken)
	assert.Error(t, err, "a refresh token must not validate as an access token")

	refreshClaims, err := sm.ValidateRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", refreshClaims.UserID)
}

func TestSessionManager_RejectsShortSecret(t *testing.T) {
	_, err := NewSessionManager("too-short", "nightowl-monitor", time.Minute, time.Hour)
	assert.Error(t, err)
}
