package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
)

// Archiver copies fetched artifacts into object storage before they are
// published, keyed by run mode so dry runs never overwrite production copies.
type Archiver struct {
	store  ObjectStorage
	prefix string
	mode   domain.RunMode
}

// NewArchiver creates an Archiver writing under prefix.
func NewArchiver(store ObjectStorage, prefix string, mode domain.RunMode) *Archiver {
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/"), mode: mode}
}

// Key returns "<prefix>/<mode>/<repository>/<package>/<version>/<file>".
func (a *Archiver) Key(key domain.VersionKey, file string) string {
	parts := []string{string(a.mode), key.Repository, key.PackageName, key.Version, path.Base(file)}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Archive uploads every file of the artifact and returns their URLs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - artifact: fetched artifact to copy.
//   - overwrite: replace objects that already exist. When false, existing
//     objects are kept, which is right only if they hold the same content.
// Returns:
//   - []string: object URLs in file order.
//   - error: non-nil on the first failed upload.
func (a *Archiver) Archive(ctx context.Context, artifact *domain.Artifact, overwrite bool) ([]string, error) {
	urls := make([]string, 0, len(artifact.Files))
	kept := 0
	for _, f := range artifact.Files {
		key := a.Key(artifact.Key, f.Name)
		if !overwrite {
			exists, err := a.store.Exists(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to check %s: %w", key, err)
			}
			if exists {
				kept++
				urls = append(urls, a.store.GetURL(key))
				continue
			}
		}
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := a.store.Upload(ctx, key, bytes.NewReader(f.Data), int64(len(f.Data)), contentType); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", key, err)
		}
		urls = append(urls, a.store.GetURL(key))
	}
	logger.With(logger.Fields{
		logger.FieldCount: len(urls),
		logger.FieldSize:  artifact.Size(),
		"kept":            kept,
	}).Debug(ctx, "[Archive] Stored %s", artifact.Key)
	return urls, nil
}
