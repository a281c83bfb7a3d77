package codeartifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	circuit "github.com/rubyist/circuitbreaker"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

type statusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// upload is one HTTP request against a repository endpoint.
type upload struct {
	method      string
	url         string
	contentType string
	body        []byte
	// form switches the request to multipart, with body sent as the
	// "content" file part named fileName.
	form     map[string]string
	fileName string
}

// buildUploads prepares the requests that publish an artifact.
func buildUploads(endpoint string, a *domain.Artifact) ([]upload, error) {
	switch a.PackageType {
	case domain.PackageTypeNpm:
		u, err := npmUpload(endpoint, a)
		if err != nil {
			return nil, err
		}
		return []upload{u}, nil
	case domain.PackageTypePyPI:
		return pypiUploads(endpoint, a), nil
	case domain.PackageTypeMaven:
		return mavenUploads(endpoint, a), nil
	}
	return nil, fmt.Errorf("package type %q not supported", a.PackageType)
}

// npmUpload builds the registry publish document from the package metadata:
// the versions map is trimmed to the published version, _rev is dropped and
// the tarball is attached inline.
func npmUpload(endpoint string, a *domain.Artifact) (upload, error) {
	if len(a.PackageMetadata) == 0 {
		return upload{}, errors.New("npm package metadata is missing")
	}
	var tarball *domain.ArtifactFile
	for i := range a.Files {
		if strings.HasSuffix(a.Files[i].Name, ".tgz") {
			tarball = &a.Files[i]
			break
		}
	}
	if tarball == nil {
		return upload{}, errors.New("npm tarball is missing")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(a.PackageMetadata, &doc); err != nil {
		return upload{}, fmt.Errorf("failed to decode npm metadata: %w", err)
	}
	versions, _ := doc["versions"].(map[string]interface{})
	manifest, ok := versions[a.Key.Version].(map[string]interface{})
	if !ok {
		return upload{}, fmt.Errorf("version %s not found in npm metadata", a.Key.Version)
	}
	dist, _ := manifest["dist"].(map[string]interface{})
	if dist == nil {
		dist = make(map[string]interface{})
		manifest["dist"] = dist
	}
	dist["tarball"] = endpoint + a.Key.PackageName + "/-/" + tarball.Name

	delete(doc, "_rev")
	doc["versions"] = map[string]interface{}{a.Key.Version: manifest}
	doc["_attachments"] = map[string]interface{}{
		tarball.Name: map[string]interface{}{
			"content_type": "application/octet-stream",
			"data":         base64.StdEncoding.EncodeToString(tarball.Data),
			"length":       strconv.Itoa(len(tarball.Data)),
		},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return upload{}, fmt.Errorf("failed to encode npm publish document: %w", err)
	}
	return upload{
		method:      http.MethodPut,
		url:         endpoint + strings.ReplaceAll(a.Key.PackageName, "/", "%2f"),
		contentType: "application/json",
		body:        body,
	}, nil
}

func pypiUploads(endpoint string, a *domain.Artifact) []upload {
	uploads := make([]upload, 0, len(a.Files))
	for _, f := range a.Files {
		sum := sha256.Sum256(f.Data)
		filetype, pyversion := pypiFileType(f.Name)
		uploads = append(uploads, upload{
			method: http.MethodPost,
			url:    endpoint,
			body:   f.Data,
			form: map[string]string{
				":action":          "file_upload",
				"protocol_version": "1",
				"metadata_version": "2.1",
				"name":             a.Key.PackageName,
				"version":          a.Key.Version,
				"filetype":         filetype,
				"pyversion":        pyversion,
				"sha256_digest":    hex.EncodeToString(sum[:]),
			},
			fileName: f.Name,
		})
	}
	return uploads
}

// pypiFileType derives the upload filetype and pyversion from a distribution
// file name.
func pypiFileType(name string) (filetype, pyversion string) {
	switch {
	case strings.HasSuffix(name, ".whl"):
		parts := strings.Split(strings.TrimSuffix(name, ".whl"), "-")
		if len(parts) >= 5 {
			pyversion = parts[len(parts)-3]
		}
		return "bdist_wheel", pyversion
	case strings.HasSuffix(name, ".egg"):
		parts := strings.Split(strings.TrimSuffix(name, ".egg"), "-")
		if len(parts) >= 3 {
			pyversion = parts[2]
		}
		return "bdist_egg", pyversion
	}
	return "sdist", "source"
}

// mavenUploads puts every file under the version directory, then the
// package-level maven-metadata.xml when there is one.
func mavenUploads(endpoint string, a *domain.Artifact) []upload {
	base := endpoint + a.Key.PackageName + "/"
	uploads := make([]upload, 0, len(a.Files)+1)
	for _, f := range a.Files {
		uploads = append(uploads, upload{
			method:      http.MethodPut,
			url:         base + a.Key.Version + "/" + f.Name,
			contentType: "application/octet-stream",
			body:        f.Data,
		})
	}
	if len(a.PackageMetadata) > 0 {
		uploads = append(uploads, upload{
			method:      http.MethodPut,
			url:         base + "maven-metadata.xml",
			contentType: "application/octet-stream",
			body:        a.PackageMetadata,
		})
	}
	return uploads
}

// send performs an upload. Only transport failures and 5xx responses count
// against the breaker.
func (c *Client) send(ctx context.Context, token string, u upload) error {
	return c.exec.Do(ctx, func(ctx context.Context) error {
		var clientErr error
		err := c.breaker.Call(func() error {
			r := c.http.R().SetContext(ctx).SetBasicAuth("aws", token)
			if u.form != nil {
				r.SetMultipartFormData(u.form).
					SetMultipartField("content", u.fileName, "application/octet-stream", bytes.NewReader(u.body))
			} else {
				r.SetHeader("Content-Type", u.contentType).SetBody(u.body)
			}
			resp, err := r.Execute(u.method, u.url)
			if err != nil {
				return fmt.Errorf("%s %s: %w", u.method, u.url, err)
			}
			if resp.IsError() {
				se := &statusError{Method: u.method, URL: u.url, Status: resp.StatusCode(), Body: truncate(resp.String(), 512)}
				if se.Status >= 500 {
					return se
				}
				clientErr = se
			}
			return nil
		}, 0)
		if err != nil {
			if errors.Is(err, circuit.ErrBreakerOpen) {
				return fmt.Errorf("codeartifact unavailable: %w", err)
			}
			return err
		}
		return clientErr
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
