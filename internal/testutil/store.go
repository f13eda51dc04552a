package testutil

import (
	"context"
	"errors"
	"sync"

	"fridgesync/internal/encryption"
	"fridgesync/internal/fridge"
	"fridgesync/internal/store"
)

// ErrInjected is the default error returned by FailingStore.
var ErrInjected = errors.New("injected store failure")

// NewTestStore creates an empty in-memory blob store.
func NewTestStore() *store.MemoryStore {
	return store.NewMemoryStore()
}

// NewEncryptedTestStore wraps an in-memory store with the deterministic test
// keyring, so stored blobs are sealed but tests need no key material.
func NewEncryptedTestStore() (*store.EncryptedStore, *store.MemoryStore) {
	inner := store.NewMemoryStore()
	return store.NewEncryptedStore(inner, encryption.TestKeyring{}), inner
}

// FailingStore wraps a BlobStore and fails writes on demand.
// Safe for concurrent use.
type FailingStore struct {
	inner fridge.BlobStore

	mu         sync.Mutex
	failKeys   map[string]error
	failAfter  int // remaining successful writes before failing; -1 disables
	afterErr   error
	writeCount int
}

var _ fridge.BlobStore = (*FailingStore)(nil)

// NewFailingStore wraps inner. Nothing fails until configured.
func NewFailingStore(inner fridge.BlobStore) *FailingStore {
	return &FailingStore{inner: inner, failKeys: make(map[string]error), failAfter: -1}
}

// FailWrites makes every Set of key fail with err; nil clears it.
func (s *FailingStore) FailWrites(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failKeys, key)
		return
	}
	s.failKeys[key] = err
}

// FailAfter lets n more writes through, then fails every Set with err.
func (s *FailingStore) FailAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	s.afterErr = err
}

// Writes returns the number of successful Set calls.
func (s *FailingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount
}

func (s *FailingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *FailingStore) Set(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	if err, ok := s.failKeys[key]; ok {
		s.mu.Unlock()
		return err
	}
	if s.failAfter == 0 {
		s.mu.Unlock()
		return s.afterErr
	}
	if s.failAfter > 0 {
		s.failAfter--
	}
	s.writeCount++
	s.mu.Unlock()
	return s.inner.Set(ctx, key, data)
}

func (s *FailingStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

// NewTestRepositories creates repositories over blobs with the fixed clock and
// sequential ids ("id-1", "id-2", ...).
func NewTestRepositories(blobs fridge.BlobStore) (*fridge.Repositories, *StubClock) {
	clock := FixedClock()
	return fridge.NewRepositories(blobs, clock, NewStubIDGenerator()), clock
}
