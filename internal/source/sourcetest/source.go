// Package sourcetest provides an in-memory source.Source for tests.
package sourcetest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/source"
)

// Source serves repositories and artifacts from memory.
type Source struct {
	mu        sync.Mutex
	repos     []source.Repository
	units     map[string][]domain.Unit
	artifacts map[domain.VersionKey]*domain.Artifact
	fetchErr  map[domain.VersionKey]error
	listErr   map[string]int
	fetches   map[domain.VersionKey]int
}

// New returns an empty Source.
func New() *Source {
	return &Source{
		units:     make(map[string][]domain.Unit),
		artifacts: make(map[domain.VersionKey]*domain.Artifact),
		fetchErr:  make(map[domain.VersionKey]error),
		listErr:   make(map[string]int),
		fetches:   make(map[domain.VersionKey]int),
	}
}

// AddRepository registers a repository.
func (s *Source) AddRepository(name string, packageType domain.PackageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos = append(s.repos, source.Repository{Name: name, PackageType: packageType, RawType: string(packageType)})
}

// AddVersion registers a package version with one file holding content.
func (s *Source) AddVersion(repo string, packageType domain.PackageType, pkg, version, content string) domain.VersionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.VersionKey{Repository: repo, PackageName: pkg, Version: version}
	name := fmt.Sprintf("%s-%s.bin", pkg, version)
	s.units[repo] = append(s.units[repo], domain.Unit{
		Key:         key,
		PackageType: packageType,
		Files:       []domain.FileRef{{Path: "/" + pkg + "/" + version + "/" + name, Size: int64(len(content))}},
	})
	s.artifacts[key] = &domain.Artifact{
		Key:         key,
		PackageType: packageType,
		Files:       []domain.ArtifactFile{{Name: name, Path: "/" + name, Data: []byte(content)}},
		Metadata:    domain.Metadata{"files": "1"},
	}
	return key
}

// SetContent replaces the content of a registered version.
func (s *Source) SetContent(key domain.VersionKey, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.artifacts[key]; ok {
		a.Files[0].Data = []byte(content)
	}
}

// FailFetch makes FetchArtifact fail for key until cleared with a nil error.
func (s *Source) FailFetch(key domain.VersionKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fetchErr, key)
		return
	}
	s.fetchErr[key] = err
}

// FailListing makes the next n listings of repo fail.
func (s *Source) FailListing(repo string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr[repo] = n
}

// Fetches returns how often key was fetched.
func (s *Source) Fetches(key domain.VersionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[key]
}

// TotalFetches returns the number of FetchArtifact calls.
func (s *Source) TotalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.fetches {
		total += n
	}
	return total
}

// ListRepositories implements source.Source.
func (s *Source) ListRepositories(ctx context.Context, filter domain.NameFilter) ([]source.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []source.Repository
	for _, r := range s.repos {
		if filter.Match(r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListPackageVersions implements source.Source.
func (s *Source) ListPackageVersions(ctx context.Context, repo source.Repository, filter domain.PackageFilter) iter.Seq2[domain.Unit, error] {
	return func(yield func(domain.Unit, error) bool) {
		s.mu.Lock()
		if s.listErr[repo.Name] > 0 {
			s.listErr[repo.Name]--
			s.mu.Unlock()
			yield(domain.Unit{}, domain.DiscoveryError("list packages", repo.Name, errors.New("listing unavailable")))
			return
		}
		units := append([]domain.Unit(nil), s.units[repo.Name]...)
		s.mu.Unlock()

		sort.Slice(units, func(i, j int) bool {
			if units[i].Key.PackageName != units[j].Key.PackageName {
				return units[i].Key.PackageName < units[j].Key.PackageName
			}
			return units[i].Key.Version < units[j].Key.Version
		})
		for _, u := range units {
			if !filter.Match(u.Key.PackageName, u.Key.Version) {
				continue
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

// FetchArtifact implements source.Source.
func (s *Source) FetchArtifact(ctx context.Context, unit domain.Unit) (*domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[unit.Key]++
	if err, ok := s.fetchErr[unit.Key]; ok {
		return nil, domain.FetchError(unit.Key, err)
	}
	a, ok := s.artifacts[unit.Key]
	if !ok {
		return nil, domain.FetchError(unit.Key, errors.New("not found"))
	}
	cp := *a
	cp.Files = append([]domain.ArtifactFile(nil), a.Files...)
	return &cp, nil
}
