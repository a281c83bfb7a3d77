package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/statestore"
)

// RepositoryProgress aggregates the version records of one repository.
type RepositoryProgress struct {
	Name        string                  `json:"name"`
	PackageType domain.PackageType      `json:"package_type"`
	Status      domain.RepositoryStatus `json:"status"`
	LastError   string                  `json:"last_error,omitempty"`
	LastUpdated time.Time               `json:"last_updated"`
	Total       int                     `json:"total"`
	Published   int                     `json:"published"`
	Failed      int                     `json:"failed"`
	Skipped     int                     `json:"skipped"`
	Pending     int                     `json:"pending"`
}

// ProgressService reads persisted progress for reporting.
type ProgressService struct {
	store statestore.Store
}

// NewProgressService creates a new progress service.
func NewProgressService(store statestore.Store) *ProgressService {
	return &ProgressService{store: store}
}

// Namespace returns the namespace being reported on.
func (p *ProgressService) Namespace() domain.Namespace {
	return p.store.Namespace()
}

// Repositories returns the progress of every known repository, by name.
func (p *ProgressService) Repositories(ctx context.Context) ([]RepositoryProgress, error) {
	var out []RepositoryProgress
	for rec, err := range p.store.ScanRepositories(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan repositories: %w", err)
		}
		progress, err := p.aggregate(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *progress)
	}
	return out, nil
}

// Repository returns the progress of one repository, or
// statestore.ErrNotFound.
func (p *ProgressService) Repository(ctx context.Context, name string) (*RepositoryProgress, error) {
	rec, err := p.store.GetRepository(ctx, name)
	if err != nil {
		return nil, err
	}
	return p.aggregate(ctx, rec)
}

// Versions lists the version records of a repository, optionally only those
// with the given publish status. limit <= 0 returns all.
func (p *ProgressService) Versions(ctx context.Context, repo string, status domain.PublishStatus, limit int) ([]*domain.PackageVersionRecord, error) {
	var out []*domain.PackageVersionRecord
	for rec, err := range p.store.ScanVersions(ctx, domain.VersionKey{Repository: repo}) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan versions of %s: %w", repo, err)
		}
		if status != "" && rec.PublishStatus != status {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *ProgressService) aggregate(ctx context.Context, rec *domain.RepositoryRecord) (*RepositoryProgress, error) {
	progress := &RepositoryProgress{
		Name:        rec.Name,
		PackageType: rec.PackageType,
		Status:      rec.Status,
		LastError:   rec.LastError,
		LastUpdated: rec.LastUpdated,
	}
	for v, err := range p.store.ScanVersions(ctx, domain.VersionKey{Repository: rec.Name}) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan versions of %s: %w", rec.Name, err)
		}
		progress.Total++
		switch v.PublishStatus {
		case domain.PublishStatusPublished:
			progress.Published++
		case domain.PublishStatusFailed:
			progress.Failed++
		case domain.PublishStatusSkipped:
			progress.Skipped++
		default:
			if v.FetchStatus == domain.FetchStatusFailed {
				progress.Failed++
			} else {
				progress.Pending++
			}
		}
	}
	return progress, nil
}
