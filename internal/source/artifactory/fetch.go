package artifactory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

// FetchArtifact downloads the unit's files and package metadata. A missing
// maven-metadata.xml is tolerated; a missing npm package.json is not, since
// the npm publish document is built from it.
func (c *Client) FetchArtifact(ctx context.Context, unit domain.Unit) (*domain.Artifact, error) {
	artifact := &domain.Artifact{
		Key:         unit.Key,
		PackageType: unit.PackageType,
		Files:       make([]domain.ArtifactFile, 0, len(unit.Files)),
	}

	for _, ref := range unit.Files {
		data, err := c.get(ctx, "/"+unit.Key.Repository+ref.Path)
		if err != nil {
			return nil, domain.FetchError(unit.Key, err)
		}
		if ref.SHA256 != "" {
			sum := sha256.Sum256(data)
			if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, ref.SHA256) {
				return nil, domain.FetchError(unit.Key, fmt.Errorf("checksum mismatch for %s: want %s, got %s", ref.Path, ref.SHA256, got))
			}
		}
		name := path.Base(ref.Path)
		artifact.Files = append(artifact.Files, domain.ArtifactFile{
			Name:        name,
			Path:        ref.Path,
			ContentType: contentType(name),
			Data:        data,
		})
	}

	if unit.MetadataPath != "" {
		data, err := c.get(ctx, "/"+unit.Key.Repository+unit.MetadataPath)
		var se *StatusError
		switch {
		case err == nil:
			artifact.PackageMetadata = data
		case unit.PackageType == domain.PackageTypeMaven && errors.As(err, &se) && se.NotFound():
		default:
			return nil, domain.FetchError(unit.Key, fmt.Errorf("failed to fetch package metadata: %w", err))
		}
	}

	artifact.Metadata = domain.Metadata{
		"files": strconv.Itoa(len(artifact.Files)),
		"size":  strconv.Itoa(artifact.Size()),
	}
	return artifact, nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".tgz"), strings.HasSuffix(name, ".tar.gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".jar"), strings.HasSuffix(name, ".war"), strings.HasSuffix(name, ".aar"):
		return "application/java-archive"
	case strings.HasSuffix(name, ".pom"), strings.HasSuffix(name, ".xml"):
		return "application/xml"
	case strings.HasSuffix(name, ".whl"), strings.HasSuffix(name, ".egg"), strings.HasSuffix(name, ".zip"):
		return "application/zip"
	}
	return "application/octet-stream"
}
