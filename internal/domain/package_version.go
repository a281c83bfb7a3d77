package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FetchStatus tracks whether the artifact was read from the source.
// Values include FetchStatusNotFetched, FetchStatusFetched, and FetchStatusFailed.
type FetchStatus string

const (
	FetchStatusNotFetched FetchStatus = "not_fetched"
	FetchStatusFetched    FetchStatus = "fetched"
	FetchStatusFailed     FetchStatus = "fetch_failed"
)

// PublishStatus tracks whether the artifact reached the destination.
// Values include PublishStatusNotPublished, PublishStatusPublished,
// PublishStatusFailed, and PublishStatusSkipped.
type PublishStatus string

const (
	PublishStatusNotPublished PublishStatus = "not_published"
	PublishStatusPublished    PublishStatus = "published"
	PublishStatusFailed       PublishStatus = "publish_failed"
	PublishStatusSkipped      PublishStatus = "skipped"
)

// Metadata is a JSON-encoded string map stored alongside a version record.
type Metadata map[string]string

// Value implements the driver.Valuer interface for database serialization.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan Metadata")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// VersionKey identifies a package version within a repository.
// A key with trailing empty fields is used as a scan prefix.
type VersionKey struct {
	Repository  string
	PackageName string
	Version     string
}

// String renders the key as "repository/package@version".
func (k VersionKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Repository, k.PackageName, k.Version)
}

// Matches reports whether k falls under prefix.
func (k VersionKey) Matches(prefix VersionKey) bool {
	if prefix.Repository != "" && prefix.Repository != k.Repository {
		return false
	}
	if prefix.PackageName != "" && prefix.PackageName != k.PackageName {
		return false
	}
	if prefix.Version != "" && prefix.Version != k.Version {
		return false
	}
	return true
}

// PackageVersionRecord is the persisted unit of progress for one package version.
type PackageVersionRecord struct {
	Repository    string        `gorm:"type:text;primaryKey" json:"repository" dynamodbav:"repository"`
	PackageName   string        `gorm:"type:text;primaryKey" json:"package_name" dynamodbav:"package_name"`
	Version       string        `gorm:"type:text;primaryKey" json:"version" dynamodbav:"version"`
	PackageType   PackageType   `gorm:"type:text" json:"package_type" dynamodbav:"package_type"`
	FetchStatus   FetchStatus   `gorm:"type:text;not null" json:"fetch_status" dynamodbav:"fetch_status"`
	PublishStatus PublishStatus `gorm:"type:text;not null" json:"publish_status" dynamodbav:"publish_status"`
	SkipReason    string        `gorm:"type:text" json:"skip_reason,omitempty" dynamodbav:"skip_reason,omitempty"`
	InProgress    bool          `gorm:"not null" json:"in_progress" dynamodbav:"in_progress"`
	Attempts      int           `gorm:"not null" json:"attempts" dynamodbav:"attempts"`
	Checksum      string        `gorm:"type:text" json:"checksum,omitempty" dynamodbav:"checksum"`
	Metadata      Metadata      `gorm:"type:text" json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
	LastError     string        `gorm:"type:text" json:"last_error,omitempty" dynamodbav:"last_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at" dynamodbav:"updated_at"`
}

// NewPackageVersionRecord creates a freshly discovered record.
func NewPackageVersionRecord(key VersionKey, packageType PackageType, now time.Time) *PackageVersionRecord {
	return &PackageVersionRecord{
		Repository:    key.Repository,
		PackageName:   key.PackageName,
		Version:       key.Version,
		PackageType:   packageType,
		FetchStatus:   FetchStatusNotFetched,
		PublishStatus: PublishStatusNotPublished,
		UpdatedAt:     now,
	}
}

// Key returns the identity of the record.
func (r *PackageVersionRecord) Key() VersionKey {
	return VersionKey{Repository: r.Repository, PackageName: r.PackageName, Version: r.Version}
}

// IsPublished reports whether the version is already in the destination.
func (r *PackageVersionRecord) IsPublished() bool {
	return r.PublishStatus == PublishStatusPublished
}

// Validate checks the record invariants.
func (r *PackageVersionRecord) Validate() error {
	if r.Repository == "" || r.PackageName == "" || r.Version == "" {
		return fmt.Errorf("incomplete version key %q", r.Key())
	}
	if r.PublishStatus == PublishStatusPublished && r.FetchStatus != FetchStatusFetched {
		return fmt.Errorf("%s: published record must be fetched, got %s", r.Key(), r.FetchStatus)
	}
	return nil
}

// Supersedes reports whether r may replace existing in the store.
// A published record is only replaced by another published record or by a
// record whose non-empty checksum differs, meaning the source content changed.
func (r *PackageVersionRecord) Supersedes(existing *PackageVersionRecord) bool {
	if existing == nil || existing.PublishStatus != PublishStatusPublished {
		return true
	}
	if r.PublishStatus == PublishStatusPublished {
		return true
	}
	return r.Checksum != "" && r.Checksum != existing.Checksum
}

// Clone returns a deep copy.
func (r *PackageVersionRecord) Clone() *PackageVersionRecord {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(Metadata, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// MarkInProgress flags the record as owned by a running worker.
func (r *PackageVersionRecord) MarkInProgress(now time.Time) {
	r.InProgress = true
	r.UpdatedAt = now
}

// MarkFetched records a successful fetch. When the checksum changed on a
// published record the record is demoted so that it will be published again.
func (r *PackageVersionRecord) MarkFetched(checksum string, metadata Metadata, now time.Time) (changed bool) {
	changed = r.Checksum != "" && r.Checksum != checksum
	if changed && r.PublishStatus == PublishStatusPublished {
		r.PublishStatus = PublishStatusNotPublished
	}
	r.FetchStatus = FetchStatusFetched
	r.Checksum = checksum
	r.Metadata = metadata
	r.UpdatedAt = now
	return changed
}

// MarkFetchFailed records a failed fetch attempt.
func (r *PackageVersionRecord) MarkFetchFailed(err error, now time.Time) {
	if r.PublishStatus != PublishStatusPublished {
		r.FetchStatus = FetchStatusFailed
	}
	r.Attempts++
	r.InProgress = false
	r.LastError = errorText(err)
	r.UpdatedAt = now
}

// MarkPublished records a confirmed destination write.
func (r *PackageVersionRecord) MarkPublished(now time.Time) {
	r.FetchStatus = FetchStatusFetched
	r.PublishStatus = PublishStatusPublished
	r.SkipReason = ""
	r.InProgress = false
	r.LastError = ""
	r.UpdatedAt = now
}

// MarkPublishFailed records a failed publish attempt.
func (r *PackageVersionRecord) MarkPublishFailed(err error, now time.Time) {
	r.PublishStatus = PublishStatusFailed
	r.Attempts++
	r.InProgress = false
	r.LastError = errorText(err)
	r.UpdatedAt = now
}

// MarkSkipped records a terminal skip decided before any work was attempted.
func (r *PackageVersionRecord) MarkSkipped(reason string, now time.Time) {
	r.PublishStatus = PublishStatusSkipped
	r.SkipReason = reason
	r.InProgress = false
	r.UpdatedAt = now
}

// Release clears the in-progress flag without changing status.
func (r *PackageVersionRecord) Release(now time.Time) {
	r.InProgress = false
	r.UpdatedAt = now
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
