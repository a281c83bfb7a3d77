package artifactory

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/source"
)

var _ source.Source = (*Client)(nil)

type storageInfo struct {
	RepositoriesSummaryList []struct {
		RepoKey     string `json:"repoKey"`
		RepoType    string `json:"repoType"`
		PackageType string `json:"packageType"`
	} `json:"repositoriesSummaryList"`
}

type fileList struct {
	Files []struct {
		URI    string `json:"uri"`
		Size   int64  `json:"size"`
		Folder bool   `json:"folder"`
		SHA2   string `json:"sha2"`
	} `json:"files"`
}

// ListRepositories returns the LOCAL repositories from /api/storageinfo.
func (c *Client) ListRepositories(ctx context.Context, filter domain.NameFilter) ([]source.Repository, error) {
	body, err := c.get(ctx, "/api/storageinfo")
	if err != nil {
		return nil, domain.DiscoveryError("list repositories", "", err)
	}
	var info storageInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, domain.DiscoveryError("list repositories", "", fmt.Errorf("failed to decode storage info: %w", err))
	}

	repos := make([]source.Repository, 0, len(info.RepositoriesSummaryList))
	seen := make(map[string]bool)
	for _, r := range info.RepositoriesSummaryList {
		if r.RepoKey == "TOTAL" || !strings.EqualFold(r.RepoType, "LOCAL") {
			continue
		}
		if !filter.Match(r.RepoKey) {
			continue
		}
		seen[r.RepoKey] = true
		repos = append(repos, source.Repository{
			Name:        r.RepoKey,
			PackageType: domain.ParsePackageType(r.PackageType),
			RawType:     r.PackageType,
		})
	}
	for _, name := range filter {
		if !seen[name] {
			logger.CtxWarn(ctx, "[Artifactory] Repository %s not found or not a local repository", name)
		}
	}
	return repos, nil
}

// ListPackageVersions groups the deep file listing of repo into package versions.
func (c *Client) ListPackageVersions(ctx context.Context, repo source.Repository, filter domain.PackageFilter) iter.Seq2[domain.Unit, error] {
	return func(yield func(domain.Unit, error) bool) {
		listPath := "/api/storage/" + url.PathEscape(repo.Name) + "?list&deep=1&listFolders=0"
		body, err := c.get(ctx, listPath)
		if err != nil {
			yield(domain.Unit{}, domain.DiscoveryError("list packages", repo.Name, err))
			return
		}
		var list fileList
		if err := json.Unmarshal(body, &list); err != nil {
			yield(domain.Unit{}, domain.DiscoveryError("list packages", repo.Name, fmt.Errorf("failed to decode file list: %w", err)))
			return
		}

		groups := make(map[domain.VersionKey]*domain.Unit)
		for _, f := range list.Files {
			if f.Folder {
				continue
			}
			pkg, version, ok := classify(repo.PackageType, f.URI)
			if !ok || !filter.Match(pkg, version) {
				continue
			}
			key := domain.VersionKey{Repository: repo.Name, PackageName: pkg, Version: version}
			u, exists := groups[key]
			if !exists {
				u = &domain.Unit{Key: key, PackageType: repo.PackageType, MetadataPath: metadataPath(repo.PackageType, pkg)}
				groups[key] = u
			}
			u.Files = append(u.Files, domain.FileRef{Path: f.URI, SHA256: f.SHA2, Size: f.Size})
		}

		units := make([]*domain.Unit, 0, len(groups))
		for _, u := range groups {
			sort.Slice(u.Files, func(i, j int) bool { return u.Files[i].Path < u.Files[j].Path })
			units = append(units, u)
		}
		sort.Slice(units, func(i, j int) bool {
			if units[i].Key.PackageName != units[j].Key.PackageName {
				return units[i].Key.PackageName < units[j].Key.PackageName
			}
			return units[i].Key.Version < units[j].Key.Version
		})

		logger.With(logger.Fields{logger.FieldCount: len(units)}).
			Debug(ctx, "[Artifactory] Discovered package versions in %s", repo.Name)

		for _, u := range units {
			if !yield(*u, nil) {
				return
			}
		}
	}
}

// classify maps a file path to its package and version. Files that are not
// publishable binaries are rejected.
func classify(packageType domain.PackageType, uri string) (pkg, version string, ok bool) {
	switch packageType {
	case domain.PackageTypeNpm:
		return classifyNpm(uri)
	case domain.PackageTypeMaven:
		return classifyLayout(uri, []string{".pom", ".jar", ".war", ".aar", ".tar.gz"})
	case domain.PackageTypePyPI:
		return classifyLayout(uri, []string{".tar.gz", ".whl", ".egg", ".zip"})
	}
	return "", "", false
}

// classifyNpm handles "<pkg>/-/<name>-<version>.tgz", where pkg may be scoped.
func classifyNpm(uri string) (string, string, bool) {
	if strings.HasPrefix(uri, "/.npm") {
		return "", "", false
	}
	p := strings.TrimPrefix(uri, "/")
	idx := strings.Index(p, "/-/")
	if idx <= 0 || !strings.HasSuffix(p, ".tgz") {
		return "", "", false
	}
	pkg := p[:idx]
	file := p[idx+3:]
	base := pkg[strings.LastIndex(pkg, "/")+1:]
	if !strings.HasPrefix(file, base+"-") {
		return "", "", false
	}
	version := strings.TrimSuffix(strings.TrimPrefix(file, base+"-"), ".tgz")
	if version == "" {
		return "", "", false
	}
	return pkg, version, true
}

// classifyLayout handles "<pkg path>/<version>/<file>".
func classifyLayout(uri string, extensions []string) (string, string, bool) {
	segs := strings.Split(strings.Trim(uri, "/"), "/")
	if len(segs) < 3 {
		return "", "", false
	}
	file := segs[len(segs)-1]
	if strings.HasPrefix(file, "maven-metadata.xml") {
		return "", "", false
	}
	matched := false
	for _, ext := range extensions {
		if strings.HasSuffix(file, ext) {
			matched = true
			break
		}
	}
	if !matched {
		return "", "", false
	}
	return strings.Join(segs[:len(segs)-2], "/"), segs[len(segs)-2], true
}

func metadataPath(packageType domain.PackageType, pkg string) string {
	switch packageType {
	case domain.PackageTypeNpm:
		return path.Join("/.npm", pkg, "package.json")
	case domain.PackageTypeMaven:
		return path.Join("/", pkg, "maven-metadata.xml")
	}
	return ""
}
