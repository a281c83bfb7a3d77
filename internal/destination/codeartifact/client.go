// Package codeartifact publishes package versions to AWS CodeArtifact.
package codeartifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact/types"
	"github.com/aws/smithy-go"
	"github.com/go-resty/resty/v2"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/destination"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
)

// dryRunEndpoint is reported instead of a real endpoint in dryrun mode.
const dryRunEndpoint = "codeartifact-test-endpoint-dryrun.com/"

// tokenDuration is the lifetime requested for authorization tokens. It must
// outlast the refresh interval.
const tokenDuration = 12 * time.Hour

// API is the subset of the CodeArtifact SDK used by Client.
type API interface {
	GetAuthorizationToken(ctx context.Context, params *codeartifact.GetAuthorizationTokenInput, optFns ...func(*codeartifact.Options)) (*codeartifact.GetAuthorizationTokenOutput, error)
	ListRepositoriesInDomain(ctx context.Context, params *codeartifact.ListRepositoriesInDomainInput, optFns ...func(*codeartifact.Options)) (*codeartifact.ListRepositoriesInDomainOutput, error)
	CreateRepository(ctx context.Context, params *codeartifact.CreateRepositoryInput, optFns ...func(*codeartifact.Options)) (*codeartifact.CreateRepositoryOutput, error)
	GetRepositoryEndpoint(ctx context.Context, params *codeartifact.GetRepositoryEndpointInput, optFns ...func(*codeartifact.Options)) (*codeartifact.GetRepositoryEndpointOutput, error)
	DescribePackageVersion(ctx context.Context, params *codeartifact.DescribePackageVersionInput, optFns ...func(*codeartifact.Options)) (*codeartifact.DescribePackageVersionOutput, error)
	DeletePackageVersions(ctx context.Context, params *codeartifact.DeletePackageVersionsInput, optFns ...func(*codeartifact.Options)) (*codeartifact.DeletePackageVersionsOutput, error)
	UpdatePackageVersionsStatus(ctx context.Context, params *codeartifact.UpdatePackageVersionsStatusInput, optFns ...func(*codeartifact.Options)) (*codeartifact.UpdatePackageVersionsStatusOutput, error)
}

// Config holds the CodeArtifact settings.
type Config struct {
	Domain          string
	Account         string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	TokenRefresh    time.Duration
	Timeout         time.Duration
	TripFailures    int64
	DryRun          bool
	Retry           retry.Policy
}

// Client implements destination.Destination.
type Client struct {
	api     API
	http    *resty.Client
	exec    *retry.Executor
	breaker *circuit.Breaker
	cfg     Config
	now     func() time.Time

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
	tokenFetched time.Time

	reposMu sync.Mutex
	repos   map[string]bool

	endpointsMu sync.Mutex
	endpoints   map[string]string
}

var _ destination.Destination = (*Client)(nil)

// New creates a Client backed by the AWS SDK.
// Parameters:
//   - ctx: context used to load AWS configuration.
//   - cfg: CodeArtifact settings.
// Returns:
//   - *Client: client ready for use.
//   - error: non-nil if AWS configuration cannot be loaded.
func New(ctx context.Context, cfg Config) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	api := codeartifact.NewFromConfig(awsCfg, func(o *codeartifact.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(api, cfg), nil
}

// NewWithAPI creates a Client over an existing SDK client.
func NewWithAPI(api API, cfg Config) *Client {
	if cfg.TokenRefresh <= 0 || cfg.TokenRefresh > 5*time.Hour {
		cfg.TokenRefresh = 5 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.TripFailures <= 0 {
		cfg.TripFailures = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	c := &Client{
		api:       api,
		cfg:       cfg,
		now:       time.Now,
		endpoints: make(map[string]string),
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", "artifactory-codeartifact-migrator"),
		breaker: circuit.NewThresholdBreaker(cfg.TripFailures),
	}
	c.exec = retry.New(cfg.Retry,
		retry.WithRetryable(isRetryable),
		retry.WithNotify(func(err error, attempt int, wait time.Duration) {
			logger.GetDefault().WithField(logger.FieldAttempt, attempt).
				Debugf("[CodeArtifact] Retrying in %s: %v", wait, err)
		}),
	)
	return c
}

// isRetryable retries throttling, server faults and transport errors.
func isRetryable(err error) bool {
	if errors.Is(err, circuit.ErrBreakerOpen) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
		return apiErr.ErrorFault() != smithy.FaultClient
	}
	return true
}

// authToken returns a cached token, fetching a new one once the refresh
// interval has passed or the token is about to expire.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.token != "" && now.Before(c.tokenFetched.Add(c.cfg.TokenRefresh)) && now.Before(c.tokenExpires.Add(-time.Minute)) {
		return c.token, nil
	}

	out, err := retry.Value(ctx, c.exec, func(ctx context.Context) (*codeartifact.GetAuthorizationTokenOutput, error) {
		return c.api.GetAuthorizationToken(ctx, &codeartifact.GetAuthorizationTokenInput{
			Domain:          aws.String(c.cfg.Domain),
			DomainOwner:     aws.String(c.cfg.Account),
			DurationSeconds: aws.Int64(int64(tokenDuration / time.Second)),
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to get authorization token: %w", err)
	}

	c.token = aws.ToString(out.AuthorizationToken)
	c.tokenFetched = now
	c.tokenExpires = now.Add(tokenDuration)
	if out.Expiration != nil {
		c.tokenExpires = *out.Expiration
	}
	logger.CtxDebug(ctx, "[CodeArtifact] Refreshed authorization token, expires %s", c.tokenExpires.Format(time.RFC3339))
	return c.token, nil
}

// loadRepositories lists the domain once. Callers hold reposMu.
func (c *Client) loadRepositories(ctx context.Context) error {
	if c.repos != nil {
		return nil
	}
	repos := make(map[string]bool)
	paginator := codeartifact.NewListRepositoriesInDomainPaginator(c.api, &codeartifact.ListRepositoriesInDomainInput{
		Domain:      aws.String(c.cfg.Domain),
		DomainOwner: aws.String(c.cfg.Account),
	})
	for paginator.HasMorePages() {
		page, err := retry.Value(ctx, c.exec, func(ctx context.Context) (*codeartifact.ListRepositoriesInDomainOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to list repositories: %w", err)
		}
		for _, r := range page.Repositories {
			repos[aws.ToString(r.Name)] = true
		}
	}
	c.repos = repos
	return nil
}

// EnsureRepository creates name in the domain unless it already exists.
// In dryrun the creation is only logged.
func (c *Client) EnsureRepository(ctx context.Context, name string, packageType domain.PackageType) error {
	c.reposMu.Lock()
	defer c.reposMu.Unlock()
	if err := c.loadRepositories(ctx); err != nil {
		return err
	}
	if c.repos[name] {
		logger.CtxDebug(ctx, "[CodeArtifact] Repository %s found", name)
		return nil
	}
	if c.cfg.DryRun {
		logger.CtxInfo(ctx, "[CodeArtifact] Dryrun: would create %s repository %s", packageType, name)
		c.repos[name] = true
		return nil
	}

	_, err := c.api.CreateRepository(ctx, &codeartifact.CreateRepositoryInput{
		Domain:      aws.String(c.cfg.Domain),
		DomainOwner: aws.String(c.cfg.Account),
		Repository:  aws.String(name),
	})
	var conflict *types.ConflictException
	if err != nil && !errors.As(err, &conflict) {
		return fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	c.repos[name] = true
	logger.CtxInfo(ctx, "[CodeArtifact] Created repository %s", name)
	return nil
}

// endpoint resolves and caches the repository endpoint for a format. The
// returned URL always ends with a slash.
func (c *Client) endpoint(ctx context.Context, repo string, format types.PackageFormat, dryRun bool) (string, error) {
	if dryRun {
		return "https://" + dryRunEndpoint + repo + "/", nil
	}

	cacheKey := repo + "|" + string(format)
	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	if ep, ok := c.endpoints[cacheKey]; ok {
		return ep, nil
	}

	out, err := retry.Value(ctx, c.exec, func(ctx context.Context) (*codeartifact.GetRepositoryEndpointOutput, error) {
		return c.api.GetRepositoryEndpoint(ctx, &codeartifact.GetRepositoryEndpointInput{
			Domain:      aws.String(c.cfg.Domain),
			DomainOwner: aws.String(c.cfg.Account),
			Repository:  aws.String(repo),
			Format:      format,
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to get %s endpoint for %s: %w", format, repo, err)
	}
	ep := aws.ToString(out.RepositoryEndpoint)
	if ep == "" {
		return "", fmt.Errorf("empty %s endpoint for %s", format, repo)
	}
	if ep[len(ep)-1] != '/' {
		ep += "/"
	}
	c.endpoints[cacheKey] = ep
	return ep, nil
}
