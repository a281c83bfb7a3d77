package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

type fakeS3 struct {
	mu        sync.Mutex
	bucketOK  bool
	created   *s3.CreateBucketInput
	objects   map[string][]byte
	types     map[string]string
	putErr    error
	headCalls int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.bucketOK {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = in
	f.bucketOK = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if _, ok := f.objects[aws.ToString(in.Key)]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func TestS3Storage_EnsureBucket(t *testing.T) {
	tests := []struct {
		name         string
		exists       bool
		region       string
		wantCreate   bool
		wantLocation types.BucketLocationConstraint
	}{
		{name: "existing bucket", exists: true, region: "eu-west-1"},
		{name: "create in us-east-1", region: "us-east-1", wantCreate: true},
		{name: "create with location", region: "eu-west-1", wantCreate: true, wantLocation: "eu-west-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeS3()
			client.bucketOK = tt.exists
			s := newS3Storage(client, "artifacts", tt.region, "")

			require.NoError(t, s.EnsureBucket(context.Background()))
			if !tt.wantCreate {
				assert.Nil(t, client.created)
				return
			}
			require.NotNil(t, client.created)
			if tt.wantLocation == "" {
				assert.Nil(t, client.created.CreateBucketConfiguration)
			} else {
				assert.Equal(t, tt.wantLocation, client.created.CreateBucketConfiguration.LocationConstraint)
			}
		})
	}
}

func TestS3Storage_UploadExists(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	s := newS3Storage(client, "artifacts", "us-east-1", "http://minio:9000")

	ok, err := s.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Upload(ctx, "a/b", strings.NewReader("data"), 4, "text/plain"))
	ok, err = s.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "http://minio:9000/artifacts/a/b", s.GetURL("a/b"))
	assert.Equal(t, "s3://artifacts/x", newS3Storage(client, "artifacts", "us-east-1", "").GetURL("x"))
}

func TestArchiver_Archive(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	archiver := NewArchiver(newS3Storage(client, "artifacts", "us-east-1", ""), "/backup/", domain.RunModeDryRun)

	artifact := &domain.Artifact{
		Key: domain.VersionKey{Repository: "maven-local", PackageName: "com/acme/core", Version: "1.0"},
		Files: []domain.ArtifactFile{
			{Name: "core-1.0.jar", Data: []byte("jar"), ContentType: "application/java-archive"},
			{Name: "core-1.0.pom", Data: []byte("pom")},
		},
	}

	urls, err := archiver.Archive(ctx, artifact, false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"s3://artifacts/backup/dryrun/maven-local/com/acme/core/1.0/core-1.0.jar",
		"s3://artifacts/backup/dryrun/maven-local/com/acme/core/1.0/core-1.0.pom",
	}, urls)
	assert.Equal(t, []byte("jar"), client.objects["backup/dryrun/maven-local/com/acme/core/1.0/core-1.0.jar"])
	assert.Equal(t, "application/octet-stream", client.types["backup/dryrun/maven-local/com/acme/core/1.0/core-1.0.pom"])
}

func TestArchiver_KeepsExistingObjects(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	archiver := NewArchiver(newS3Storage(client, "artifacts", "us-east-1", ""), "", domain.RunModeProd)
	artifact := &domain.Artifact{
		Key:   domain.VersionKey{Repository: "npm-local", PackageName: "a", Version: "1"},
		Files: []domain.ArtifactFile{{Name: "a-1.tgz", Data: []byte("old")}},
	}
	_, err := archiver.Archive(ctx, artifact, false)
	require.NoError(t, err)

	artifact.Files[0].Data = []byte("new")
	client.putErr = errors.New("must not upload")
	urls, err := archiver.Archive(ctx, artifact, false)
	require.NoError(t, err, "existing objects are not uploaded again")
	assert.Equal(t, []string{"s3://artifacts/prod/npm-local/a/1/a-1.tgz"}, urls)
	assert.Equal(t, []byte("old"), client.objects["prod/npm-local/a/1/a-1.tgz"])

	client.putErr = nil
	_, err = archiver.Archive(ctx, artifact, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), client.objects["prod/npm-local/a/1/a-1.tgz"])
}

func TestArchiver_UploadFailure(t *testing.T) {
	client := newFakeS3()
	client.putErr = errors.New("access denied")
	archiver := NewArchiver(newS3Storage(client, "artifacts", "us-east-1", ""), "", domain.RunModeProd)

	_, err := archiver.Archive(context.Background(), &domain.Artifact{
		Key:   domain.VersionKey{Repository: "npm-local", PackageName: "a", Version: "1"},
		Files: []domain.ArtifactFile{{Name: "a-1.tgz", Data: []byte("x")}},
	}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prod/npm-local/a/1/a-1.tgz")
}

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeS3, detectStorageType(""))
	assert.Equal(t, StorageTypeS3, detectStorageType("https://s3.eu-west-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("minio.internal:9000"))
}
