// Package auth issues and hashes tenant API keys. Only the hash is stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks docflow tenant API keys.
const KeyPrefix = "df_"

const keyBytes = 32

// NewKey returns a random tenant API key.
func NewKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the hex SHA-256 of the trimmed key, as stored in the tenant catalog.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(hash[:])
}
