// Package auth covers dashboard sessions: password hashing and the JWT the
// browser presents on every API call. VM request tokens are a separate
// concern and live in the token package.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultExpiryHours = 24

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken mints a session token for a logged-in user.
func GenerateToken(cfg JWTConfig, userID, email string) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("jwt secret is not configured")
	}

	expiryHours := cfg.ExpiryHours
	if expiryHours <= 0 {
		expiryHours = defaultExpiryHours
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expiryHours) * time.Hour)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// ValidateToken parses a session token and returns its claims. Any failure,
// including expiry, is a plain error: the middleware answers 401 either way.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}
