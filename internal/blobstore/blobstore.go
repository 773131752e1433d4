package blobstore

import "context"

// Store persists completed project results as JSON blobs
type Store interface {
	// Put writes the blob under key, replacing any previous version
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the blob stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Close releases any held resources
	Close() error
}
