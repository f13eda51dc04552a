package store

import (
	"context"
	"fmt"
	"io"

	"fridgesync/internal/config"
	"fridgesync/internal/fridge"
)

// NewStoreFromConfig creates the BlobStore selected by cfg, wrapped with
// cipher when it is non-nil. The returned closer releases the backend.
func NewStoreFromConfig(ctx context.Context, cfg config.StoreConfig, cipher Cipher) (fridge.BlobStore, io.Closer, error) {
	var (
		blobs  fridge.BlobStore
		closer io.Closer = nopCloser{}
	)

	switch cfg.Type {
	case "memory":
		blobs = NewMemoryStore()
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, nil, fmt.Errorf("filesystem store requires fs_root to be set")
		}
		fs, err := NewFileSystemStore(cfg.FSRoot)
		if err != nil {
			return nil, nil, err
		}
		blobs = fs
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, nil, fmt.Errorf("sqlite store requires sqlite_path to be set")
		}
		db, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		blobs, closer = db, db
	case "s3":
		s3s, err := NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		blobs = s3s
	default:
		return nil, nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}

	if cipher != nil {
		blobs = NewEncryptedStore(blobs, cipher)
	}
	return blobs, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
