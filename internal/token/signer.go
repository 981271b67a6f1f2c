// Package token signs and verifies the short-lived request tokens the
// gateway attaches when forwarding a call to a subscriber VM. The VM checks
// the signature with the shared secret it received at boot.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL bounds how long a forwarded request token stays valid.
const DefaultTTL = 5 * time.Minute

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims identify who is acting on which VM. Subject carries the user id;
// IssuedAt and ExpiresAt bound the token's lifetime.
type Claims struct {
	VM     string `json:"vm"`
	Action string `json:"action"`
	jwt.RegisteredClaims
}

// Signer mints and checks request tokens. Implementations other than HMAC
// (e.g. asymmetric keys, so VMs never hold the signing secret) can be
// swapped in without touching the gateway.
type Signer interface {
	Sign(userID, vm, action string) (string, error)
	Verify(token string) (*Claims, error)
}

type HMACSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewHMACSigner builds a Signer over a shared secret. ttl <= 0 falls back
// to DefaultTTL.
func NewHMACSigner(secret string, ttl time.Duration) (*HMACSigner, error) {
	if secret == "" {
		return nil, errors.New("signing secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HMACSigner{secret: []byte(secret), ttl: ttl}, nil
}

func (s *HMACSigner) Sign(userID, vm, action string) (string, error) {
	now := time.Now()
	claims := Claims{
		VM:     vm,
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and checks a token. An expired token reports ErrTokenExpired;
// every other failure (bad signature, malformed, missing claims) reports
// ErrTokenInvalid so callers can tell the two apart.
func (s *HMACSigner) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.VM == "" || claims.Action == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrTokenInvalid)
	}
	return claims, nil
}
