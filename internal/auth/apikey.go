// Package auth provides API key generation, hashing and verification for the
// portsweep API server. Keys are never stored in clear text: the configuration
// holds bcrypt hashes produced by "portsweep apikey hash".
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of an API key.
	APIKeyLength = 32
	// APIKeyPrefix is the prefix of every generated key.
	APIKeyPrefix = "ps"

	// BcryptCost is the cost used when hashing keys.
	BcryptCost = 12
	// BcryptMaxInputLength is the longest input bcrypt accepts.
	BcryptMaxInputLength = 72

	// MaxAPIKeyNameLength bounds the human readable key label.
	MaxAPIKeyNameLength = 255
)

// GeneratedAPIKey is a freshly generated key. Key is shown once; only Hash
// belongs in the configuration file.
type GeneratedAPIKey struct {
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateAPIKey creates a random key labelled name and hashes it.
func GenerateAPIKey(name string) (*GeneratedAPIKey, error) {
	return generateAPIKey(name, BcryptCost)
}

func generateAPIKey(name string, cost int) (*GeneratedAPIKey, error) {
	if err := validateKeyName(name); err != nil {
		return nil, fmt.Errorf("invalid key name: %w", err)
	}

	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))[:APIKeyLength]
	key := APIKeyPrefix + "_" + randomPart

	hash, err := hashAPIKey(key, cost)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Name:      name,
		Key:       key,
		KeyPrefix: CreateDisplayPrefix(key),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// HashAPIKey returns the bcrypt hash of apiKey.
func HashAPIKey(apiKey string) (string, error) {
	return hashAPIKey(apiKey, BcryptCost)
}

func hashAPIKey(apiKey string, cost int) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(keyMaterial(apiKey), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey reports whether apiKey matches storedHash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyMaterial(apiKey)) == nil
}

// keyMaterial pre-hashes keys longer than bcrypt's input limit.
func keyMaterial(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > BcryptMaxInputLength {
		sum := sha256.Sum256(b)
		return sum[:]
	}
	return b
}

// IsValidAPIKeyFormat checks the prefix, length and alphabet of a key.
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < 15 || len(apiKey) > 50 {
		return false
	}
	for _, c := range apiKey {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix returns a log-safe prefix such as "ps_abcd1234...".
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	random := strings.TrimPrefix(apiKey, APIKeyPrefix+"_")
	if len(random) > 8 {
		random = random[:8]
	}
	return APIKeyPrefix + "_" + random + "..."
}

func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	if len(name) > MaxAPIKeyNameLength {
		return fmt.Errorf("key name must be at most %d characters", MaxAPIKeyNameLength)
	}

	for _, c := range name {
		// C0/C1 controls and bidi overrides
		if c < 32 || c == 127 ||
			(c >= 0x0080 && c <= 0x009F) ||
			(c >= 0x202A && c <= 0x202E) ||
			(c >= 0x2066 && c <= 0x2069) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}
	return nil
}
