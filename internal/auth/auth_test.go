package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	password := "testpassword123"

	hash, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, password, hash)
	assert.Equal(t, "$2a$", hash[:4])
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("correctpassword")
	require.NoError(t, err)

	assert.True(t, CheckPassword("correctpassword", hash))
	assert.False(t, CheckPassword("wrongpassword", hash))
	assert.False(t, CheckPassword("", hash))
}

func TestGenerateAndValidateToken(t *testing.T) {
	cfg := JWTConfig{Secret: "test-secret", ExpiryHours: 1}

	token, err := GenerateToken(cfg, "user-1", "user@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	cfg := JWTConfig{Secret: "test-secret"}

	token, err := GenerateToken(cfg, "user-1", "user@example.com")
	require.NoError(t, err)

	_, err = ValidateToken("other-secret", token)
	assert.Error(t, err)
}

func TestGenerateTokenMissingSecret(t *testing.T) {
	_, err := GenerateToken(JWTConfig{}, "user-1", "user@example.com")
	assert.Error(t, err)
}
