package auth

import (
	"encoding/base32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTP_GenerateAndVerify(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	require.NoError(t, err)

	counter := uint64(time.Now().Unix() / 30)
	code := totpCode(key, counter)
	assert.True(t, VerifyTOTP(secret, code))
	assert.False(t, VerifyTOTP(secret, "000000000"))
}

func TestTOTP_RejectsInvalidSecret(t *testing.T) {
	assert.False(t, VerifyTOTP("not-valid-base32!!!", "123456"))
}
