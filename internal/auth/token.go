package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// modTokenBytes is the entropy of a mod token (32 hex chars on the wire).
const modTokenBytes = 16

// NewModToken mints an unguessable token for a participant or training
// session. The raw token is returned to the client exactly once; only its
// hash is persisted.
func NewModToken() (string, error) {
	buf := make([]byte, modTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mod token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashModToken returns the hex-encoded SHA-256 hash of a mod token.
// Tokens are stored as hashes so a database compromise does not leak the
// raw secrets. During websocket auth the incoming token is hashed and
// looked up by hash.
func HashModToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
