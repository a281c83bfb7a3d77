package storage

import (
	"context"
	"io"
)

// ObjectStorage is the bucket the archiver copies artifacts into.
type ObjectStorage interface {
	// Upload stores size bytes from reader under key, replacing any object there.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the address of key, for logs and reports.
	GetURL(key string) string
}
