package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of the blob encryption key.
const KeySize = chacha20poly1305.KeySize

// encryptedVersion is prepended to every sealed blob and authenticated as additional data.
const encryptedVersion byte = 0x01

// encryptedOverhead is version + XChaCha20-Poly1305 nonce + tag.
const encryptedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrDecrypt is returned when a blob fails authentication (wrong key, tampered data, or
// a blob moved to another key).
var ErrDecrypt = errors.New("blob decryption failed")

// EncryptedStore seals objects with XChaCha20-Poly1305 before handing them to the inner
// store. The object key is bound as additional data, so a blob copied to another key
// does not decrypt.
//
// Sealed format: [version:1][nonce:24][ciphertext+tag].
type EncryptedStore struct {
	inner BlobStore
	key   []byte
}

// NewEncryptedStore wraps inner with a 32-byte key.
func NewEncryptedStore(inner BlobStore, key []byte) (*EncryptedStore, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encrypted store: key must be %d bytes, got %d", KeySize, len(key))
	}
	if _, err := chacha20poly1305.NewX(key); err != nil {
		return nil, fmt.Errorf("encrypted store: %w", err)
	}
	return &EncryptedStore{inner: inner, key: append([]byte(nil), key...)}, nil
}

// ParseKey accepts a 64-character hex key or a raw 32-byte string.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 2*KeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("encryption key must be %d raw bytes or %d hex characters", KeySize, 2*KeySize)
}

func (s *EncryptedStore) aad(key string) []byte {
	return append([]byte{encryptedVersion}, key...)
}

func (s *EncryptedStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := validatePut(key, data); err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("encrypted store: nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), encryptedOverhead+len(data))
	out[0] = encryptedVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], data, s.aad(key))

	m := maps.Clone(meta)
	if m == nil {
		m = map[string]string{}
	}
	m["encryption"] = "xchacha20poly1305"
	return s.inner.Put(ctx, key, out, m)
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < encryptedOverhead || sealed[0] != encryptedVersion {
		return nil, fmt.Errorf("%w: %s: unrecognized format", ErrDecrypt, key)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], s.aad(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, key)
	}
	return plain, nil
}

func (s *EncryptedStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) (bool, error) {
	return s.inner.Delete(ctx, key)
}

func (s *EncryptedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
