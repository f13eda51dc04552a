package store

import (
	"context"
	"fmt"

	"fridgesync/internal/fridge"
)

// Cipher seals blobs before they reach the backing store and opens them on
// the way back.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// EncryptedStore wraps another BlobStore, encrypting every value at rest.
type EncryptedStore struct {
	inner  fridge.BlobStore
	cipher Cipher
}

var _ fridge.BlobStore = (*EncryptedStore)(nil)

// NewEncryptedStore wraps inner with cipher.
func NewEncryptedStore(inner fridge.BlobStore, cipher Cipher) *EncryptedStore {
	return &EncryptedStore{inner: inner, cipher: cipher}
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", key, err)
	}
	return data, nil
}

func (s *EncryptedStore) Set(ctx context.Context, key string, data []byte) error {
	sealed, err := s.cipher.Seal(data)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *EncryptedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}
