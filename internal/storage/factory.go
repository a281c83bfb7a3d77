package storage

import (
	"context"
	"strings"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/config"
)

// NewStorage creates the archive ObjectStorage from configuration and makes
// sure its bucket exists.
// Parameters:
//   - ctx: context for client setup and the bucket check.
//   - cfg: archive configuration including endpoint, credentials, and bucket.
// Returns:
//   - *S3Storage: initialized storage client.
//   - error: non-nil if the client cannot be created or the bucket is unusable.
func NewStorage(ctx context.Context, cfg config.ArchiveConfig) (*S3Storage, error) {
	s, err := NewS3Storage(ctx, &S3Config{
		Type:      detectStorageType(cfg.Endpoint),
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		return StorageTypeS3
	}
	return StorageTypeS3Compatible
}
