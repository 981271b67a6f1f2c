package provisioner

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	secretPrefix = "vs_"
	secretLength = 32 // 32 bytes = 256 bits
)

// GenerateAuthSecret creates the shared secret a VM uses to authenticate
// against the platform, with crypto/rand.
func GenerateAuthSecret() (string, error) {
	bytes := make([]byte, secretLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return secretPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashAuthSecret computes the SHA-256 hash stored in place of the secret.
func HashAuthSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("%x", hash)
}
