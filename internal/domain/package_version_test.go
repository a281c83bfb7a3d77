package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testKey() VersionKey {
	return VersionKey{Repository: "npm-local", PackageName: "left-pad", Version: "1.3.0"}
}

func TestPackageVersionRecord_Lifecycle(t *testing.T) {
	rec := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)
	require.Equal(t, FetchStatusNotFetched, rec.FetchStatus)
	require.Equal(t, PublishStatusNotPublished, rec.PublishStatus)

	rec.MarkInProgress(testNow)
	assert.True(t, rec.InProgress)

	changed := rec.MarkFetched("abc", Metadata{"files": "1"}, testNow)
	assert.False(t, changed, "first fetch is never a change")

	rec.MarkPublished(testNow)
	assert.True(t, rec.IsPublished())
	assert.False(t, rec.InProgress)
	assert.Equal(t, FetchStatusFetched, rec.FetchStatus)
	require.NoError(t, rec.Validate())
}

func TestPackageVersionRecord_FailuresIncrementAttempts(t *testing.T) {
	rec := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)

	rec.MarkFetchFailed(errors.New("boom"), testNow)
	assert.Equal(t, FetchStatusFailed, rec.FetchStatus)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "boom", rec.LastError)

	rec.MarkFetched("abc", nil, testNow)
	rec.MarkPublishFailed(errors.New("409"), testNow)
	assert.Equal(t, PublishStatusFailed, rec.PublishStatus)
	assert.Equal(t, 2, rec.Attempts)
}

func TestPackageVersionRecord_FetchFailureKeepsPublishedInvariant(t *testing.T) {
	rec := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)
	rec.MarkFetched("abc", nil, testNow)
	rec.MarkPublished(testNow)

	rec.MarkFetchFailed(errors.New("timeout"), testNow)

	assert.True(t, rec.IsPublished())
	assert.Equal(t, FetchStatusFetched, rec.FetchStatus)
	require.NoError(t, rec.Validate())
}

func TestPackageVersionRecord_MarkFetchedChecksumPolicy(t *testing.T) {
	tests := []struct {
		name          string
		newChecksum   string
		wantChanged   bool
		wantPublished bool
	}{
		{name: "same checksum keeps published", newChecksum: "abc", wantChanged: false, wantPublished: true},
		{name: "different checksum demotes", newChecksum: "def", wantChanged: true, wantPublished: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)
			rec.MarkFetched("abc", nil, testNow)
			rec.MarkPublished(testNow)

			changed := rec.MarkFetched(tt.newChecksum, nil, testNow)

			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantPublished, rec.IsPublished())
			assert.Equal(t, tt.newChecksum, rec.Checksum)
		})
	}
}

func TestPackageVersionRecord_Supersedes(t *testing.T) {
	published := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)
	published.MarkFetched("abc", nil, testNow)
	published.MarkPublished(testNow)

	pending := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)

	tests := []struct {
		name     string
		incoming func() *PackageVersionRecord
		existing *PackageVersionRecord
		want     bool
	}{
		{
			name:     "nothing stored",
			incoming: func() *PackageVersionRecord { return pending.Clone() },
			existing: nil,
			want:     true,
		},
		{
			name:     "stored record not published",
			incoming: func() *PackageVersionRecord { return pending.Clone() },
			existing: pending,
			want:     true,
		},
		{
			name: "published over published",
			incoming: func() *PackageVersionRecord {
				r := published.Clone()
				r.InProgress = true
				return r
			},
			existing: published,
			want:     true,
		},
		{
			name: "failure over published with same checksum",
			incoming: func() *PackageVersionRecord {
				r := published.Clone()
				r.PublishStatus = PublishStatusFailed
				return r
			},
			existing: published,
			want:     false,
		},
		{
			name:     "fresh record without checksum over published",
			incoming: func() *PackageVersionRecord { return pending.Clone() },
			existing: published,
			want:     false,
		},
		{
			name: "changed checksum over published",
			incoming: func() *PackageVersionRecord {
				r := published.Clone()
				r.MarkFetched("def", nil, testNow)
				return r
			},
			existing: published,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.incoming().Supersedes(tt.existing))
		})
	}
}

func TestPackageVersionRecord_Validate(t *testing.T) {
	rec := NewPackageVersionRecord(testKey(), PackageTypeNpm, testNow)
	rec.PublishStatus = PublishStatusPublished
	require.Error(t, rec.Validate())

	empty := &PackageVersionRecord{Repository: "r"}
	require.Error(t, empty.Validate())
}

func TestMetadata_ValueScan(t *testing.T) {
	var nilMeta Metadata
	v, err := nilMeta.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var scanned Metadata
	require.NoError(t, scanned.Scan([]byte(`{"files":"2"}`)))
	assert.Equal(t, "2", scanned["files"])

	require.NoError(t, scanned.Scan(nil))
	assert.Empty(t, scanned)

	require.Error(t, scanned.Scan(42))
}

func TestVersionKey_Matches(t *testing.T) {
	key := testKey()

	assert.True(t, key.Matches(VersionKey{}))
	assert.True(t, key.Matches(VersionKey{Repository: "npm-local"}))
	assert.True(t, key.Matches(VersionKey{Repository: "npm-local", PackageName: "left-pad"}))
	assert.False(t, key.Matches(VersionKey{Repository: "maven-local"}))
	assert.False(t, key.Matches(VersionKey{Repository: "npm-local", PackageName: "right-pad"}))
	assert.Equal(t, "npm-local/left-pad@1.3.0", key.String())
}
