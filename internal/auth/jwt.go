// Package auth guards the admin API with HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin       = "admin"
	defaultTokenTTL = 12 * time.Hour
)

var (
	ErrNoSecret     = errors.New("auth: JWT_SECRET is not configured")
	ErrInvalidToken = errors.New("auth: invalid token")

	secretMu sync.RWMutex
	secret   []byte
)

// SetSecret replaces the signing key. An empty key falls back to JWT_SECRET.
func SetSecret(key string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = []byte(key)
}

func signingKey() ([]byte, error) {
	secretMu.RLock()
	key := secret
	secretMu.RUnlock()

	if len(key) == 0 {
		key = []byte(os.Getenv("JWT_SECRET"))
	}
	if len(key) == 0 {
		return nil, ErrNoSecret
	}
	return key, nil
}

// GenerateJWT issues a token for subject with role, valid for ttl (12h when
// ttl is not positive).
func GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies signature, algorithm and expiry and returns the claims.
func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
