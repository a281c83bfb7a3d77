package domain

import (
	"strings"
	"time"
)

// PackageType is the package manager format of a repository.
// Values include PackageTypeNpm, PackageTypeMaven, PackageTypePyPI, and PackageTypeGeneric.
type PackageType string

const (
	PackageTypeNpm     PackageType = "npm"
	PackageTypeMaven   PackageType = "maven"
	PackageTypePyPI    PackageType = "pypi"
	PackageTypeGeneric PackageType = "generic"
)

// ParsePackageType normalizes an Artifactory packageType value.
func ParsePackageType(raw string) PackageType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "npm":
		return PackageTypeNpm
	case "maven", "gradle":
		return PackageTypeMaven
	case "pypi":
		return PackageTypePyPI
	default:
		return PackageTypeGeneric
	}
}

// Supported reports whether the format can be replicated to CodeArtifact.
func (t PackageType) Supported() bool {
	switch t {
	case PackageTypeNpm, PackageTypeMaven, PackageTypePyPI:
		return true
	}
	return false
}

// RepositoryStatus is the replication status of a whole repository.
// Values include RepositoryStatusDiscovered, RepositoryStatusInProgress,
// RepositoryStatusCompleted, and RepositoryStatusFailed.
type RepositoryStatus string

const (
	RepositoryStatusDiscovered RepositoryStatus = "discovered"
	RepositoryStatusInProgress RepositoryStatus = "in_progress"
	RepositoryStatusCompleted  RepositoryStatus = "completed"
	RepositoryStatusFailed     RepositoryStatus = "failed"
)

func (s RepositoryStatus) rank() int {
	switch s {
	case RepositoryStatusDiscovered:
		return 0
	case RepositoryStatusInProgress:
		return 1
	case RepositoryStatusFailed:
		return 2
	case RepositoryStatusCompleted:
		return 3
	}
	return -1
}

// RepositoryRecord is the persisted progress of one source repository.
type RepositoryRecord struct {
	Name        string           `gorm:"type:text;primaryKey" json:"name" dynamodbav:"name"`
	PackageType PackageType      `gorm:"type:text;not null" json:"package_type" dynamodbav:"package_type"`
	Status      RepositoryStatus `gorm:"type:text;not null" json:"status" dynamodbav:"status"`
	LastError   string           `gorm:"type:text" json:"last_error,omitempty" dynamodbav:"last_error,omitempty"`
	LastUpdated time.Time        `json:"last_updated" dynamodbav:"last_updated"`
}

// NewRepositoryRecord creates a record in the discovered state.
func NewRepositoryRecord(name string, packageType PackageType, now time.Time) *RepositoryRecord {
	return &RepositoryRecord{
		Name:        name,
		PackageType: packageType,
		Status:      RepositoryStatusDiscovered,
		LastUpdated: now,
	}
}

// Advance moves the record to status if that does not go backwards.
// Returns false and leaves the record untouched when the transition would regress.
func (r *RepositoryRecord) Advance(status RepositoryStatus, now time.Time) bool {
	if status.rank() < r.Status.rank() {
		return false
	}
	r.Status = status
	r.LastUpdated = now
	if status == RepositoryStatusCompleted {
		r.LastError = ""
	}
	return true
}
