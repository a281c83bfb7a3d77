package destination

import (
	"context"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

// PublishRequest carries one fetched package version to the destination.
type PublishRequest struct {
	Artifact *domain.Artifact
	// Replace removes an existing published version before uploading.
	Replace bool
	// DryRun performs every read and builds every upload but sends nothing.
	DryRun bool
}

// Destination receives package versions.
type Destination interface {
	// EnsureRepository creates the repository if it does not exist yet.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - name: repository name, identical to the source repository.
	//   - packageType: format the repository will hold.
	// Returns:
	//   - error: non-nil if the repository cannot be listed or created.
	EnsureRepository(ctx context.Context, name string, packageType domain.PackageType) error

	// PublishArtifact uploads the artifact and confirms it is visible as
	// published. A version that is already published is a no-op unless
	// req.Replace is set.
	PublishArtifact(ctx context.Context, req PublishRequest) error
}
