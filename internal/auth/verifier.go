package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Verifier checks presented keys against a fixed set of bcrypt hashes.
// Keys that verified once are remembered by their SHA-256 digest so that
// bcrypt runs only on the first request carrying a key.
type Verifier struct {
	hashes []string

	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewVerifier creates a verifier for the given hashes. Empty entries are ignored.
func NewVerifier(hashes []string) *Verifier {
	kept := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			kept = append(kept, h)
		}
	}
	return &Verifier{hashes: kept, verified: make(map[string]struct{})}
}

// Len returns the number of configured hashes.
func (v *Verifier) Len() int {
	return len(v.hashes)
}

// Verify reports whether apiKey matches one of the configured hashes.
func (v *Verifier) Verify(apiKey string) bool {
	if apiKey == "" {
		return false
	}

	sum := sha256.Sum256([]byte(apiKey))
	digest := hex.EncodeToString(sum[:])

	v.mu.RLock()
	_, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range v.hashes {
		if ValidateAPIKey(apiKey, h) {
			v.mu.Lock()
			v.verified[digest] = struct{}{}
			v.mu.Unlock()
			return true
		}
	}
	return false
}
