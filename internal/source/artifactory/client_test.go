package artifactory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/source"
)

func sha(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

const storageInfoJSON = `{"repositoriesSummaryList":[
 {"repoKey":"npm-local","repoType":"LOCAL","packageType":"Npm"},
 {"repoKey":"npm-remote","repoType":"REMOTE","packageType":"Npm"},
 {"repoKey":"maven-local","repoType":"LOCAL","packageType":"Maven"},
 {"repoKey":"docker-local","repoType":"LOCAL","packageType":"Docker"},
 {"repoKey":"TOTAL","repoType":"NA"}
]}`

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:  srv.URL + "/artifactory",
		Username: "admin",
		Password: "secret",
		Timeout:  5 * time.Second,
		Retry: retry.Policy{
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
			MaxAttempts:     3,
		},
	})
	t.Cleanup(c.Close)
	return c, srv
}

func TestClient_ListRepositories(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "/artifactory/api/storageinfo", r.URL.Path)
		fmt.Fprint(w, storageInfoJSON)
	})

	repos, err := c.ListRepositories(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []source.Repository{
		{Name: "npm-local", PackageType: domain.PackageTypeNpm, RawType: "Npm"},
		{Name: "maven-local", PackageType: domain.PackageTypeMaven, RawType: "Maven"},
		{Name: "docker-local", PackageType: domain.PackageTypeGeneric, RawType: "Docker"},
	}, repos)

	repos, err = c.ListRepositories(context.Background(), domain.NameFilter{"maven-local", "npm-remote"})
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "maven-local", repos[0].Name)
}

func TestClient_ListPackageVersions(t *testing.T) {
	npmList := `{"files":[
	 {"uri":"/.npm/left-pad/package.json","size":10},
	 {"uri":"/left-pad/-/left-pad-1.3.0.tgz","size":3,"sha2":"aa"},
	 {"uri":"/left-pad/-/left-pad-1.2.0.tgz","size":3,"sha2":"bb"},
	 {"uri":"/@acme/util/-/util-2.0.0-beta.1.tgz","size":3,"sha2":"cc"}
	]}`
	mavenList := `{"files":[
	 {"uri":"/com/acme/core/1.0/core-1.0.jar","size":3},
	 {"uri":"/com/acme/core/1.0/core-1.0.pom","size":3},
	 {"uri":"/com/acme/core/1.0/core-1.0.jar.sha1","size":3},
	 {"uri":"/com/acme/core/maven-metadata.xml","size":3},
	 {"uri":"/com/acme/core/1.1/core-1.1.pom","size":3}
	]}`
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, r.URL.Query().Has("list"))
		assert.Equal(t, "1", r.URL.Query().Get("deep"))
		switch r.URL.Path {
		case "/artifactory/api/storage/npm-local":
			fmt.Fprint(w, npmList)
		case "/artifactory/api/storage/maven-local":
			fmt.Fprint(w, mavenList)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	collect := func(repo source.Repository, filter domain.PackageFilter) []domain.Unit {
		var units []domain.Unit
		for u, err := range c.ListPackageVersions(context.Background(), repo, filter) {
			require.NoError(t, err)
			units = append(units, u)
		}
		return units
	}

	npm := collect(source.Repository{Name: "npm-local", PackageType: domain.PackageTypeNpm}, nil)
	require.Len(t, npm, 3)
	assert.Equal(t, "npm-local/@acme/util@2.0.0-beta.1", npm[0].Key.String())
	assert.Equal(t, "/.npm/@acme/util/package.json", npm[0].MetadataPath)
	assert.Equal(t, "npm-local/left-pad@1.2.0", npm[1].Key.String())
	assert.Equal(t, "npm-local/left-pad@1.3.0", npm[2].Key.String())
	assert.Equal(t, "aa", npm[2].Files[0].SHA256)

	maven := collect(source.Repository{Name: "maven-local", PackageType: domain.PackageTypeMaven}, nil)
	require.Len(t, maven, 2)
	assert.Equal(t, "com/acme/core", maven[0].Key.PackageName)
	assert.Equal(t, "1.0", maven[0].Key.Version)
	assert.Len(t, maven[0].Files, 2)
	assert.Equal(t, "/com/acme/core/maven-metadata.xml", maven[0].MetadataPath)

	filtered := collect(source.Repository{Name: "npm-local", PackageType: domain.PackageTypeNpm},
		domain.PackageFilter{{Name: "left-pad", Version: "1.3.0"}})
	require.Len(t, filtered, 1)
	assert.Equal(t, "1.3.0", filtered[0].Key.Version)
}

func TestClient_ListPackageVersions_DiscoveryFailure(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	for _, err := range c.ListPackageVersions(context.Background(), source.Repository{Name: "npm-local", PackageType: domain.PackageTypeNpm}, nil) {
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrDiscoveryFailure)
	}
}

func TestClient_FetchArtifact(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/artifactory/npm-local/left-pad/-/left-pad-1.3.0.tgz":
			// first attempt fails with a retryable status
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, "tgz")
		case "/artifactory/npm-local/.npm/left-pad/package.json":
			fmt.Fprint(w, `{"name":"left-pad"}`)
		case "/artifactory/maven-local/com/acme/core/1.0/core-1.0.jar":
			fmt.Fprint(w, "jar")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	npm := domain.Unit{
		Key:          domain.VersionKey{Repository: "npm-local", PackageName: "left-pad", Version: "1.3.0"},
		PackageType:  domain.PackageTypeNpm,
		Files:        []domain.FileRef{{Path: "/left-pad/-/left-pad-1.3.0.tgz", SHA256: sha("tgz")}},
		MetadataPath: "/.npm/left-pad/package.json",
	}
	artifact, err := c.FetchArtifact(ctx, npm)
	require.NoError(t, err)
	require.Len(t, artifact.Files, 1)
	assert.Equal(t, "left-pad-1.3.0.tgz", artifact.Files[0].Name)
	assert.Equal(t, []byte("tgz"), artifact.Files[0].Data)
	assert.JSONEq(t, `{"name":"left-pad"}`, string(artifact.PackageMetadata))
	assert.Equal(t, "1", artifact.Metadata["files"])
	assert.EqualValues(t, 2, attempts.Load())

	// maven metadata is optional
	maven := domain.Unit{
		Key:          domain.VersionKey{Repository: "maven-local", PackageName: "com/acme/core", Version: "1.0"},
		PackageType:  domain.PackageTypeMaven,
		Files:        []domain.FileRef{{Path: "/com/acme/core/1.0/core-1.0.jar"}},
		MetadataPath: "/com/acme/core/maven-metadata.xml",
	}
	artifact, err = c.FetchArtifact(ctx, maven)
	require.NoError(t, err)
	assert.Nil(t, artifact.PackageMetadata)
	assert.Equal(t, "application/java-archive", artifact.Files[0].ContentType)

	// checksum mismatch and missing files are fetch failures
	npm.Files[0].SHA256 = sha("other")
	_, err = c.FetchArtifact(ctx, npm)
	assert.ErrorIs(t, err, domain.ErrFetchFailure)

	missing := maven
	missing.Files = []domain.FileRef{{Path: "/com/acme/core/9.9/core-9.9.jar"}}
	_, err = c.FetchArtifact(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrFetchFailure)
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.get(context.Background(), "/missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.NotFound())
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_ServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.get(context.Background(), "/api/storageinfo")
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.PackageType
		uri     string
		pkg     string
		version string
		ok      bool
	}{
		{"npm plain", domain.PackageTypeNpm, "/left-pad/-/left-pad-1.3.0.tgz", "left-pad", "1.3.0", true},
		{"npm scoped", domain.PackageTypeNpm, "/@acme/util/-/util-2.0.0.tgz", "@acme/util", "2.0.0", true},
		{"npm metadata", domain.PackageTypeNpm, "/.npm/left-pad/package.json", "", "", false},
		{"npm mismatched file", domain.PackageTypeNpm, "/left-pad/-/other-1.0.0.tgz", "", "", false},
		{"maven jar", domain.PackageTypeMaven, "/org/acme/lib/2.1/lib-2.1.jar", "org/acme/lib", "2.1", true},
		{"maven checksum", domain.PackageTypeMaven, "/org/acme/lib/2.1/lib-2.1.jar.md5", "", "", false},
		{"maven metadata", domain.PackageTypeMaven, "/org/acme/lib/maven-metadata.xml", "", "", false},
		{"pypi wheel", domain.PackageTypePyPI, "/requests/2.31.0/requests-2.31.0-py3-none-any.whl", "requests", "2.31.0", true},
		{"pypi too shallow", domain.PackageTypePyPI, "/requests-2.31.0.tar.gz", "", "", false},
		{"generic", domain.PackageTypeGeneric, "/a/b/c.bin", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, version, ok := classify(tt.typ, tt.uri)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.pkg, pkg)
			assert.Equal(t, tt.version, version)
		})
	}
}
