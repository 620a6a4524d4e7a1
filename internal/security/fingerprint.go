package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// TokenFingerprint returns the hex SHA-256 of token. Logs carry the fingerprint, never the token.
func TokenFingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
