package codeartifact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/destination"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
)

type fakeAPI struct {
	mu            sync.Mutex
	endpoint      string
	repos         []string
	created       []string
	versions      map[string]types.PackageVersionStatus
	deleted       []string
	statusUpdates []string
	tokenCalls    int
	listCalls     int
	endpointCalls int

	describeCalls    int
	describeFailures int
}

func newFakeAPI(endpoint string, repos ...string) *fakeAPI {
	return &fakeAPI{endpoint: endpoint, repos: repos, versions: make(map[string]types.PackageVersionStatus)}
}

func versionID(repo string, format types.PackageFormat, ns *string, pkg, version string) string {
	return strings.Join([]string{repo, string(format), aws.ToString(ns), pkg, version}, "|")
}

func (f *fakeAPI) setStatus(id string, status types.PackageVersionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[id] = status
}

func (f *fakeAPI) GetAuthorizationToken(ctx context.Context, in *codeartifact.GetAuthorizationTokenInput, _ ...func(*codeartifact.Options)) (*codeartifact.GetAuthorizationTokenOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	return &codeartifact.GetAuthorizationTokenOutput{AuthorizationToken: aws.String("token")}, nil
}

func (f *fakeAPI) ListRepositoriesInDomain(ctx context.Context, in *codeartifact.ListRepositoriesInDomainInput, _ ...func(*codeartifact.Options)) (*codeartifact.ListRepositoriesInDomainOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := &codeartifact.ListRepositoriesInDomainOutput{}
	for _, r := range f.repos {
		out.Repositories = append(out.Repositories, types.RepositorySummary{Name: aws.String(r)})
	}
	return out, nil
}

func (f *fakeAPI) CreateRepository(ctx context.Context, in *codeartifact.CreateRepositoryInput, _ ...func(*codeartifact.Options)) (*codeartifact.CreateRepositoryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, aws.ToString(in.Repository))
	return &codeartifact.CreateRepositoryOutput{}, nil
}

func (f *fakeAPI) GetRepositoryEndpoint(ctx context.Context, in *codeartifact.GetRepositoryEndpointInput, _ ...func(*codeartifact.Options)) (*codeartifact.GetRepositoryEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpointCalls++
	return &codeartifact.GetRepositoryEndpointOutput{
		RepositoryEndpoint: aws.String(f.endpoint + "/" + string(in.Format) + "/" + aws.ToString(in.Repository)),
	}, nil
}

func (f *fakeAPI) DescribePackageVersion(ctx context.Context, in *codeartifact.DescribePackageVersionInput, _ ...func(*codeartifact.Options)) (*codeartifact.DescribePackageVersionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	if f.describeFailures > 0 {
		f.describeFailures--
		return nil, &types.InternalServerException{Message: aws.String("try again")}
	}
	status, ok := f.versions[versionID(aws.ToString(in.Repository), in.Format, in.Namespace, aws.ToString(in.Package), aws.ToString(in.PackageVersion))]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &codeartifact.DescribePackageVersionOutput{
		PackageVersion: &types.PackageVersionDescription{Status: status},
	}, nil
}

func (f *fakeAPI) DeletePackageVersions(ctx context.Context, in *codeartifact.DeletePackageVersionsInput, _ ...func(*codeartifact.Options)) (*codeartifact.DeletePackageVersionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range in.Versions {
		id := versionID(aws.ToString(in.Repository), in.Format, in.Namespace, aws.ToString(in.Package), v)
		delete(f.versions, id)
		f.deleted = append(f.deleted, id)
	}
	return &codeartifact.DeletePackageVersionsOutput{}, nil
}

func (f *fakeAPI) UpdatePackageVersionsStatus(ctx context.Context, in *codeartifact.UpdatePackageVersionsStatusInput, _ ...func(*codeartifact.Options)) (*codeartifact.UpdatePackageVersionsStatusOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range in.Versions {
		id := versionID(aws.ToString(in.Repository), in.Format, in.Namespace, aws.ToString(in.Package), v)
		f.versions[id] = in.TargetStatus
		f.statusUpdates = append(f.statusUpdates, id)
	}
	return &codeartifact.UpdatePackageVersionsStatusOutput{}, nil
}

// recorder captures requests hitting the repository endpoint.
type recorder struct {
	mu       sync.Mutex
	requests []recorded
}

type recorded struct {
	Method string
	Path   string
	User   string
	Pass   string
	Body   []byte
	Form   map[string]string
	File   string
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.requests...)
}

func newEndpoint(t *testing.T, onRequest func(rec recorded) int) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := recorded{Method: r.Method, Path: r.URL.EscapedPath()}
		entry.User, entry.Pass, _ = r.BasicAuth()
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			entry.Form = make(map[string]string)
			for k, v := range r.MultipartForm.Value {
				entry.Form[k] = v[0]
			}
			file, header, err := r.FormFile("content")
			require.NoError(t, err)
			entry.File = header.Filename
			entry.Body, _ = io.ReadAll(file)
		} else {
			entry.Body, _ = io.ReadAll(r.Body)
		}
		rec.mu.Lock()
		rec.requests = append(rec.requests, entry)
		rec.mu.Unlock()

		status := http.StatusOK
		if onRequest != nil {
			status = onRequest(entry)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func testConfig() Config {
	return Config{
		Domain:  "acme",
		Account: "123456789012",
		Retry: retry.Policy{
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
			MaxAttempts:     3,
		},
	}
}

const npmMetadata = `{
  "name": "left-pad",
  "_rev": "3-abc",
  "versions": {
    "1.2.0": {"name": "left-pad", "version": "1.2.0", "dist": {}},
    "1.3.0": {"name": "left-pad", "version": "1.3.0", "dist": {"tarball": "http://artifactory/left-pad-1.3.0.tgz"}}
  }
}`

func npmArtifact() *domain.Artifact {
	return &domain.Artifact{
		Key:             domain.VersionKey{Repository: "npm-local", PackageName: "left-pad", Version: "1.3.0"},
		PackageType:     domain.PackageTypeNpm,
		Files:           []domain.ArtifactFile{{Name: "left-pad-1.3.0.tgz", Data: []byte("tgz")}},
		PackageMetadata: []byte(npmMetadata),
	}
}

func TestCoordinatesFor(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.PackageType
		pkg     string
		want    coordinates
		wantErr bool
	}{
		{"npm plain", domain.PackageTypeNpm, "left-pad", coordinates{Format: types.PackageFormatNpm, Package: "left-pad"}, false},
		{"npm scoped", domain.PackageTypeNpm, "@acme/util", coordinates{Format: types.PackageFormatNpm, Namespace: "acme", Package: "util"}, false},
		{"maven", domain.PackageTypeMaven, "com/acme/core", coordinates{Format: types.PackageFormatMaven, Namespace: "com.acme", Package: "core"}, false},
		{"maven without group", domain.PackageTypeMaven, "core", coordinates{}, true},
		{"pypi", domain.PackageTypePyPI, "Django_Rest", coordinates{Format: types.PackageFormatPypi, Package: "django-rest"}, false},
		{"generic", domain.PackageTypeGeneric, "x", coordinates{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coordinatesFor(tt.typ, tt.pkg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_EnsureRepository(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI("http://unused", "npm-local")
	c := NewWithAPI(api, testConfig())

	require.NoError(t, c.EnsureRepository(ctx, "npm-local", domain.PackageTypeNpm))
	require.NoError(t, c.EnsureRepository(ctx, "maven-local", domain.PackageTypeMaven))
	require.NoError(t, c.EnsureRepository(ctx, "maven-local", domain.PackageTypeMaven))

	assert.Equal(t, []string{"maven-local"}, api.created)
	assert.Equal(t, 1, api.listCalls)

	dry := testConfig()
	dry.DryRun = true
	dryAPI := newFakeAPI("http://unused")
	require.NoError(t, NewWithAPI(dryAPI, dry).EnsureRepository(ctx, "npm-local", domain.PackageTypeNpm))
	assert.Empty(t, dryAPI.created)
}

func TestClient_AuthTokenRefresh(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI("http://unused")
	c := NewWithAPI(api, testConfig())
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.authToken(ctx)
	require.NoError(t, err)
	now = now.Add(4 * time.Hour)
	_, err = c.authToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, api.tokenCalls)

	now = now.Add(90 * time.Minute)
	token, err := c.authToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token", token)
	assert.Equal(t, 2, api.tokenCalls)
}

func TestClient_PublishNpm(t *testing.T) {
	ctx := context.Background()
	var api *fakeAPI
	srv, rec := newEndpoint(t, func(r recorded) int {
		api.setStatus(versionID("npm-local", types.PackageFormatNpm, nil, "left-pad", "1.3.0"), types.PackageVersionStatusPublished)
		return http.StatusOK
	})
	api = newFakeAPI(srv.URL)
	c := NewWithAPI(api, testConfig())

	require.NoError(t, c.PublishArtifact(ctx, destination.PublishRequest{Artifact: npmArtifact()}))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/npm/npm-local/left-pad", reqs[0].Path)
	assert.Equal(t, "aws", reqs[0].User)
	assert.Equal(t, "token", reqs[0].Pass)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(reqs[0].Body, &doc))
	assert.NotContains(t, doc, "_rev")
	versions := doc["versions"].(map[string]interface{})
	require.Len(t, versions, 1)
	dist := versions["1.3.0"].(map[string]interface{})["dist"].(map[string]interface{})
	assert.Equal(t, srv.URL+"/npm/npm-local/left-pad/-/left-pad-1.3.0.tgz", dist["tarball"])
	attachment := doc["_attachments"].(map[string]interface{})["left-pad-1.3.0.tgz"].(map[string]interface{})
	assert.Equal(t, "dGd6", attachment["data"])
	assert.Equal(t, "3", attachment["length"])

	// endpoint is cached across publishes of the same repository
	require.NoError(t, c.PublishArtifact(ctx, destination.PublishRequest{Artifact: npmArtifact(), Replace: true}))
	assert.Equal(t, 1, api.endpointCalls)
	assert.Len(t, api.deleted, 1)
}

func TestClient_PublishExistingVersion(t *testing.T) {
	id := versionID("npm-local", types.PackageFormatNpm, nil, "left-pad", "1.3.0")
	tests := []struct {
		name        string
		existing    types.PackageVersionStatus
		replace     bool
		wantUploads int
		wantDeleted int
	}{
		{name: "published is a duplicate", existing: types.PackageVersionStatusPublished, wantUploads: 0, wantDeleted: 0},
		{name: "published with replace", existing: types.PackageVersionStatusPublished, replace: true, wantUploads: 1, wantDeleted: 1},
		{name: "unfinished is wiped", existing: types.PackageVersionStatusUnfinished, wantUploads: 1, wantDeleted: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var api *fakeAPI
			srv, rec := newEndpoint(t, func(recorded) int {
				api.setStatus(id, types.PackageVersionStatusPublished)
				return http.StatusOK
			})
			api = newFakeAPI(srv.URL)
			api.versions[id] = tt.existing
			c := NewWithAPI(api, testConfig())

			err := c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: npmArtifact(), Replace: tt.replace})
			require.NoError(t, err)
			assert.Len(t, rec.all(), tt.wantUploads)
			assert.Len(t, api.deleted, tt.wantDeleted)
		})
	}
}

func TestClient_DescribeRetries(t *testing.T) {
	id := versionID("npm-local", types.PackageFormatNpm, nil, "left-pad", "1.3.0")
	srv, rec := newEndpoint(t, nil)
	api := newFakeAPI(srv.URL)
	api.versions[id] = types.PackageVersionStatusPublished
	api.describeFailures = 2
	cfg := testConfig()
	cfg.TripFailures = 10
	c := NewWithAPI(api, cfg)

	err := c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: npmArtifact()})
	require.NoError(t, err)
	assert.Equal(t, 3, api.describeCalls)
	assert.Empty(t, rec.all(), "existing version is not uploaded again")

	api.describeFailures = 3
	err = c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: npmArtifact()})
	assert.ErrorIs(t, err, domain.ErrPublishFailure)
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestClient_PublishNotVisibleAfterUpload(t *testing.T) {
	srv, _ := newEndpoint(t, nil)
	c := NewWithAPI(newFakeAPI(srv.URL), testConfig())

	err := c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: npmArtifact()})
	assert.ErrorIs(t, err, domain.ErrPublishFailure)
	assert.ErrorIs(t, err, ErrNotPublished)
}

func TestClient_PublishMaven(t *testing.T) {
	srv, rec := newEndpoint(t, nil)
	api := newFakeAPI(srv.URL)
	c := NewWithAPI(api, testConfig())

	artifact := &domain.Artifact{
		Key:         domain.VersionKey{Repository: "maven-local", PackageName: "com/acme/core", Version: "1.0"},
		PackageType: domain.PackageTypeMaven,
		Files: []domain.ArtifactFile{
			{Name: "core-1.0.jar", Data: []byte("jar")},
			{Name: "core-1.0.pom", Data: []byte("pom")},
		},
		PackageMetadata: []byte("<metadata/>"),
	}
	require.NoError(t, c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: artifact}))

	var paths []string
	for _, r := range rec.all() {
		assert.Equal(t, http.MethodPut, r.Method)
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []string{
		"/maven/maven-local/com/acme/core/1.0/core-1.0.jar",
		"/maven/maven-local/com/acme/core/1.0/core-1.0.pom",
		"/maven/maven-local/com/acme/core/maven-metadata.xml",
	}, paths)
	assert.Equal(t, []string{versionID("maven-local", types.PackageFormatMaven, aws.String("com.acme"), "core", "1.0")}, api.statusUpdates)
}

func TestClient_PublishPyPI(t *testing.T) {
	var api *fakeAPI
	srv, rec := newEndpoint(t, func(recorded) int {
		api.setStatus(versionID("pypi-local", types.PackageFormatPypi, nil, "requests", "2.31.0"), types.PackageVersionStatusPublished)
		return http.StatusOK
	})
	api = newFakeAPI(srv.URL)
	c := NewWithAPI(api, testConfig())

	artifact := &domain.Artifact{
		Key:         domain.VersionKey{Repository: "pypi-local", PackageName: "requests", Version: "2.31.0"},
		PackageType: domain.PackageTypePyPI,
		Files: []domain.ArtifactFile{
			{Name: "requests-2.31.0-py3-none-any.whl", Data: []byte("whl")},
			{Name: "requests-2.31.0.tar.gz", Data: []byte("sdist")},
		},
	}
	require.NoError(t, c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: artifact}))

	reqs := rec.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/pypi/pypi-local/", reqs[0].Path)
	assert.Equal(t, "file_upload", reqs[0].Form[":action"])
	assert.Equal(t, "bdist_wheel", reqs[0].Form["filetype"])
	assert.Equal(t, "py3", reqs[0].Form["pyversion"])
	assert.Equal(t, "requests-2.31.0-py3-none-any.whl", reqs[0].File)
	assert.Equal(t, []byte("whl"), reqs[0].Body)
	assert.Equal(t, "sdist", reqs[1].Form["filetype"])
	assert.Equal(t, "source", reqs[1].Form["pyversion"])
}

func TestClient_PublishDryRun(t *testing.T) {
	srv, rec := newEndpoint(t, nil)
	api := newFakeAPI(srv.URL)
	c := NewWithAPI(api, testConfig())

	require.NoError(t, c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: npmArtifact(), DryRun: true}))
	assert.Empty(t, rec.all())
	assert.Zero(t, api.tokenCalls)
	assert.Zero(t, api.endpointCalls)

	// the publish document is still built, so bad metadata still fails
	broken := npmArtifact()
	broken.Key.Version = "9.9.9"
	err := c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: broken, DryRun: true})
	assert.ErrorIs(t, err, domain.ErrPublishFailure)
}

func TestClient_UploadRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int
	}{
		{"client error is final", http.StatusConflict, 1},
		{"server error is retried", http.StatusBadGateway, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newEndpoint(t, func(recorded) int { return tt.status })
			c := NewWithAPI(newFakeAPI(srv.URL), testConfig())

			err := c.PublishArtifact(context.Background(), destination.PublishRequest{Artifact: npmArtifact()})
			assert.ErrorIs(t, err, domain.ErrPublishFailure)
			assert.Len(t, rec.all(), tt.wantCalls)
		})
	}
}
