// Package storage defines the blob store used for oversized telemetry payloads and ships
// memory, filesystem, encrypting and circuit-breaking implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxKeyLength is the longest key any BlobStore accepts.
const MaxKeyLength = 1024

var (
	// ErrNotFound is returned by Get when no object exists under the key.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for empty, oversized or path-escaping keys.
	ErrInvalidKey = errors.New("invalid blob key")
	// ErrEmptyData is returned by Put when data is empty.
	ErrEmptyData = errors.New("blob data is empty")
)

// BlobStore stores opaque objects by key.
type BlobStore interface {
	// Put writes data under key, replacing any existing object. meta may be nil.
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	// Get returns the object under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether an object exists under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object under key. It reports whether an object was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey checks that key is 1..MaxKeyLength characters, is relative, and has no
// empty, "." or ".." segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, MaxKeyLength)
	}
	if strings.HasPrefix(key, "/") || strings.ContainsAny(key, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func validatePut(key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrEmptyData
	}
	return nil
}
