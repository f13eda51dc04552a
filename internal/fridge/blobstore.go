package fridge

import "context"

// BlobStore is the durable key to JSON-document mapping the collections are
// persisted in. Writes replace the whole value; there are no transactions.
type BlobStore interface {
	// Get returns the value stored under key, or ErrBlobNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key. A failed Set must leave the
	// previous value readable.
	Set(ctx context.Context, key string, data []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
