package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// invalidNameChars matches characters CodeArtifact rejects in names and versions.
var invalidNameChars = regexp.MustCompile(`[$&+,:;=?#|'<>^*()%!"\s\[\]]`)

// HasInvalidChars reports whether a package name or version cannot be published.
func HasInvalidChars(s string) bool {
	return invalidNameChars.MatchString(s)
}

// FileRef points at one file of a package version in the source repository.
type FileRef struct {
	Path   string // path inside the repository, leading slash included
	SHA256 string
	Size   int64
}

// Skip reasons set by the catalog.
const (
	SkipReasonPublished   = "already published"
	SkipReasonInvalidName = "invalid characters in package name or version"
)

// Unit is one migration unit handed from the catalog to the worker pool.
type Unit struct {
	Key         VersionKey
	PackageType PackageType
	Files       []FileRef
	// MetadataPath is the package-level metadata document (npm package.json,
	// maven-metadata.xml) if the format needs one.
	MetadataPath string
	// Record is the current persisted state, never nil.
	Record *PackageVersionRecord
	// Refresh forces the fetch step even if the record says fetched.
	Refresh bool
	// Verify publishes an unchanged published version again and leaves it to
	// the destination to skip what it already holds. Set when the run does
	// not trust the store for destination state.
	Verify bool
	// SkipReason is set when the catalog pre-filtered the unit.
	SkipReason string
}

// Skipped reports whether the catalog pre-filtered the unit.
func (u Unit) Skipped() bool {
	return u.SkipReason != ""
}

// RecordsSkip reports whether the skip is terminal and must be persisted.
// Units skipped because they are already published keep their record as is.
func (u Unit) RecordsSkip() bool {
	return u.SkipReason != "" && u.SkipReason != SkipReasonPublished
}

// ArtifactFile is a fetched binary.
type ArtifactFile struct {
	Name        string
	Path        string
	ContentType string
	Data        []byte
}

// Artifact is everything fetched from the source for one package version.
type Artifact struct {
	Key         VersionKey
	PackageType PackageType
	Files       []ArtifactFile
	// PackageMetadata is the raw package-level document, if any.
	PackageMetadata []byte
	Metadata        Metadata
}

// Checksum fingerprints the artifact content. It is stable under file order.
func (a *Artifact) Checksum() string {
	names := make([]string, 0, len(a.Files))
	sums := make(map[string]string, len(a.Files))
	for _, f := range a.Files {
		sum := sha256.Sum256(f.Data)
		names = append(names, f.Name)
		sums[f.Name] = hex.EncodeToString(sum[:])
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(sums[name]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Size returns the total byte size of all files.
func (a *Artifact) Size() int {
	total := 0
	for _, f := range a.Files {
		total += len(f.Data)
	}
	return total
}

// PackageSelector selects one package, optionally pinned to a version.
type PackageSelector struct {
	Name    string
	Version string
}

// PackageFilter is the set of requested packages. Empty selects everything.
type PackageFilter []PackageSelector

// Empty reports whether the filter selects all packages.
func (f PackageFilter) Empty() bool {
	return len(f) == 0
}

// Names returns the distinct package names in the filter.
func (f PackageFilter) Names() []string {
	seen := make(map[string]struct{}, len(f))
	names := make([]string, 0, len(f))
	for _, s := range f {
		if _, ok := seen[s.Name]; ok {
			continue
		}
		seen[s.Name] = struct{}{}
		names = append(names, s.Name)
	}
	return names
}

// MatchPackage reports whether any version of name is selected.
func (f PackageFilter) MatchPackage(name string) bool {
	if f.Empty() {
		return true
	}
	for _, s := range f {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Match reports whether the package version is selected.
func (f PackageFilter) Match(name, version string) bool {
	if f.Empty() {
		return true
	}
	for _, s := range f {
		if s.Name == name && (s.Version == "" || s.Version == version) {
			return true
		}
	}
	return false
}

// NameFilter is a set of requested names. Empty selects everything.
type NameFilter []string

// Match reports whether name is selected.
func (f NameFilter) Match(name string) bool {
	if len(f) == 0 {
		return true
	}
	for _, n := range f {
		if n == name {
			return true
		}
	}
	return false
}

// ParseNameList splits a space or comma separated list.
func ParseNameList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
