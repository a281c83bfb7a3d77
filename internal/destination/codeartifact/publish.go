package codeartifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact/types"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/destination"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
)

// ErrNotPublished is returned when a version does not describe as Published
// after its upload.
var ErrNotPublished = errors.New("package version not published after upload")

// versionState is the destination's view of a package version.
type versionState int

const (
	stateMissing versionState = iota
	statePublished
	stateIncomplete
)

// coordinates addresses a package in CodeArtifact.
type coordinates struct {
	Format    types.PackageFormat
	Namespace string
	Package   string
}

// coordinatesFor maps a source package name to CodeArtifact coordinates.
// npm "@scope/name" becomes namespace "scope"; maven "a/b/c/name" becomes
// namespace "a.b.c"; pypi names are normalized.
func coordinatesFor(packageType domain.PackageType, name string) (coordinates, error) {
	switch packageType {
	case domain.PackageTypeNpm:
		c := coordinates{Format: types.PackageFormatNpm, Package: name}
		if scope, pkg, ok := strings.Cut(name, "/"); ok {
			c.Namespace = strings.TrimPrefix(scope, "@")
			c.Package = pkg
		}
		return c, nil
	case domain.PackageTypeMaven:
		idx := strings.LastIndex(name, "/")
		if idx <= 0 {
			return coordinates{}, fmt.Errorf("maven package %q has no group", name)
		}
		return coordinates{
			Format:    types.PackageFormatMaven,
			Namespace: strings.ReplaceAll(name[:idx], "/", "."),
			Package:   name[idx+1:],
		}, nil
	case domain.PackageTypePyPI:
		return coordinates{
			Format:  types.PackageFormatPypi,
			Package: strings.ToLower(strings.ReplaceAll(name, "_", "-")),
		}, nil
	}
	return coordinates{}, fmt.Errorf("package type %q not supported", packageType)
}

func (c coordinates) namespace() *string {
	if c.Namespace == "" {
		return nil
	}
	return aws.String(c.Namespace)
}

// control runs a package version API call through retry and the breaker.
// Client faults such as a missing version are returned without counting
// against the breaker.
func (c *Client) control(ctx context.Context, call func(ctx context.Context) error) error {
	return c.exec.Do(ctx, func(ctx context.Context) error {
		var clientErr error
		err := c.breaker.Call(func() error {
			err := call(ctx)
			if err != nil && !isRetryable(err) {
				clientErr = err
				return nil
			}
			return err
		}, 0)
		if errors.Is(err, circuit.ErrBreakerOpen) {
			return fmt.Errorf("codeartifact unavailable: %w", err)
		}
		if err != nil {
			return err
		}
		return clientErr
	})
}

// describe reports the state of a version in the destination.
func (c *Client) describe(ctx context.Context, repo string, coords coordinates, version string) (versionState, error) {
	var out *codeartifact.DescribePackageVersionOutput
	err := c.control(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.api.DescribePackageVersion(ctx, &codeartifact.DescribePackageVersionInput{
			Domain:         aws.String(c.cfg.Domain),
			DomainOwner:    aws.String(c.cfg.Account),
			Repository:     aws.String(repo),
			Format:         coords.Format,
			Namespace:      coords.namespace(),
			Package:        aws.String(coords.Package),
			PackageVersion: aws.String(version),
		})
		return err
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return stateMissing, nil
	}
	if err != nil {
		return stateMissing, fmt.Errorf("failed to describe package version: %w", err)
	}
	if out.PackageVersion != nil && out.PackageVersion.Status == types.PackageVersionStatusPublished {
		return statePublished, nil
	}
	return stateIncomplete, nil
}

func (c *Client) deleteVersion(ctx context.Context, repo string, coords coordinates, version string) error {
	err := c.control(ctx, func(ctx context.Context) error {
		_, err := c.api.DeletePackageVersions(ctx, &codeartifact.DeletePackageVersionsInput{
			Domain:      aws.String(c.cfg.Domain),
			DomainOwner: aws.String(c.cfg.Account),
			Repository:  aws.String(repo),
			Format:      coords.Format,
			Namespace:   coords.namespace(),
			Package:     aws.String(coords.Package),
			Versions:    []string{version},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete package version: %w", err)
	}
	return nil
}

func (c *Client) markPublished(ctx context.Context, repo string, coords coordinates, version string) error {
	err := c.control(ctx, func(ctx context.Context) error {
		_, err := c.api.UpdatePackageVersionsStatus(ctx, &codeartifact.UpdatePackageVersionsStatusInput{
			Domain:       aws.String(c.cfg.Domain),
			DomainOwner:  aws.String(c.cfg.Account),
			Repository:   aws.String(repo),
			Format:       coords.Format,
			Namespace:    coords.namespace(),
			Package:      aws.String(coords.Package),
			Versions:     []string{version},
			TargetStatus: types.PackageVersionStatusPublished,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update package version status: %w", err)
	}
	return nil
}

// PublishArtifact uploads one package version.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: the fetched artifact and publish flags.
// Returns:
//   - error: a domain.ErrPublishFailure error if the version could not be
//     published or did not describe as Published afterwards.
func (c *Client) PublishArtifact(ctx context.Context, req destination.PublishRequest) error {
	a := req.Artifact
	key := a.Key
	coords, err := coordinatesFor(a.PackageType, key.PackageName)
	if err != nil {
		return domain.PublishError(key, err)
	}

	dryRun := req.DryRun || c.cfg.DryRun
	if !dryRun {
		state, err := c.describe(ctx, key.Repository, coords, key.Version)
		if err != nil {
			return domain.PublishError(key, err)
		}
		switch {
		case state == statePublished && !req.Replace:
			logger.CtxInfo(ctx, "[CodeArtifact] %s already published, skipping upload", key)
			return nil
		case state != stateMissing:
			logger.CtxInfo(ctx, "[CodeArtifact] Removing existing %s before upload", key)
			if err := c.deleteVersion(ctx, key.Repository, coords, key.Version); err != nil {
				return domain.PublishError(key, err)
			}
		}
	}

	endpoint, err := c.endpoint(ctx, key.Repository, coords.Format, dryRun)
	if err != nil {
		return domain.PublishError(key, err)
	}
	uploads, err := buildUploads(endpoint, a)
	if err != nil {
		return domain.PublishError(key, err)
	}

	if dryRun {
		for _, u := range uploads {
			logger.CtxInfo(ctx, "[CodeArtifact] Dryrun: would %s %s", u.method, u.url)
		}
		return nil
	}

	token, err := c.authToken(ctx)
	if err != nil {
		return domain.PublishError(key, err)
	}
	for _, u := range uploads {
		if err := c.send(ctx, token, u); err != nil {
			return domain.PublishError(key, err)
		}
	}

	if coords.Format == types.PackageFormatMaven {
		if err := c.markPublished(ctx, key.Repository, coords, key.Version); err != nil {
			return domain.PublishError(key, err)
		}
	}

	state, err := c.describe(ctx, key.Repository, coords, key.Version)
	if err != nil {
		return domain.PublishError(key, err)
	}
	if state != statePublished {
		return domain.PublishError(key, ErrNotPublished)
	}
	logger.With(logger.Fields{logger.FieldCount: len(uploads), logger.FieldSize: a.Size()}).
		Info(ctx, "[CodeArtifact] Published %s", key)
	return nil
}
