package auth

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries a static admin key for clients that cannot mint JWTs.
const APIKeyHeader = "X-Api-Key"

const apiKeyHashEnv = "ADMIN_API_KEY_HASH"

var ErrNoAPIKeyHash = errors.New("auth: ADMIN_API_KEY_HASH is not configured")

// HashAPIKey returns the bcrypt hash to put in ADMIN_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("auth: api key cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckAPIKey compares key with the configured hash.
func CheckAPIKey(key string) error {
	hash := strings.TrimSpace(os.Getenv(apiKeyHashEnv))
	if hash == "" {
		return ErrNoAPIKeyHash
	}
	if key == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidToken
	}
	return nil
}
