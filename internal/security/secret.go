package security

import (
	"errors"
	"os"
	"strings"
)

// ErrInvalidSecret is returned when a signing secret is empty or unreadable.
var ErrInvalidSecret = errors.New("invalid secret")

// MinSecretLength is the shortest HS256 signing secret accepted.
const MinSecretLength = 32

// LoadSecret returns the signing secret. s is read as a file path when it starts with "/";
// otherwise it is the secret itself. Surrounding whitespace is trimmed in both cases.
func LoadSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidSecret
	}
	if !strings.HasPrefix(s, "/") {
		return s, nil
	}
	b, err := os.ReadFile(s)
	if err != nil {
		return "", errors.Join(ErrInvalidSecret, err)
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", ErrInvalidSecret
	}
	return secret, nil
}
