package source

import (
	"context"
	"iter"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

// Repository describes a source repository.
type Repository struct {
	Name        string
	PackageType domain.PackageType
	// RawType is the package type as reported by the source, kept for messages
	// about unsupported formats.
	RawType string
}

// Source lists and reads package versions from the system being migrated.
type Source interface {
	// ListRepositories returns the local repositories selected by filter, in
	// the order the source reports them.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - filter: repository names to keep; empty keeps all.
	// Returns:
	//   - []Repository: matching repositories.
	//   - error: non-nil if discovery fails.
	ListRepositories(ctx context.Context, filter domain.NameFilter) ([]Repository, error)

	// ListPackageVersions yields one unit per package version in repo that
	// matches filter, ordered by package then version. Units carry no Record.
	ListPackageVersions(ctx context.Context, repo Repository, filter domain.PackageFilter) iter.Seq2[domain.Unit, error]

	// FetchArtifact downloads every file of the unit plus its package metadata.
	FetchArtifact(ctx context.Context, unit domain.Unit) (*domain.Artifact, error)
}
