// Package catalog decides which package versions a run has to migrate.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/source"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/statestore"
)

// Options select the work of a run.
type Options struct {
	Repositories []string
	// Packages are raw selectors, see ParsePackageFilter.
	Packages []string
	Cache    bool
	Refresh  bool
	Clean    bool

	DiscoveryTimeout time.Duration
	DiscoveryRetry   retry.Policy
}

// Stats describe what discovery saw.
type Stats struct {
	Repositories       int
	Unsupported        []string
	FailedRepositories []string
	Listed             int
	CachedSkips        int
}

// Catalog produces the migration units of a run.
type Catalog struct {
	src    source.Source
	store  statestore.Store
	opts   Options
	filter domain.PackageFilter
	exec   *retry.Executor
	now    func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New creates a Catalog.
// Parameters:
//   - src: source to discover from.
//   - store: progress store of the run's namespace.
//   - opts: filters and cache flags.
// Returns:
//   - *Catalog: catalog ready to produce units.
//   - error: non-nil if a package selector is invalid.
func New(src source.Source, store statestore.Store, opts Options) (*Catalog, error) {
	filter, err := ParsePackageFilter(opts.Packages)
	if err != nil {
		return nil, err
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 10 * time.Minute
	}
	if opts.DiscoveryRetry.MaxAttempts <= 0 {
		opts.DiscoveryRetry = retry.Policy{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			MaxAttempts:     3,
		}
	}
	return &Catalog{
		src:    src,
		store:  store,
		opts:   opts,
		filter: filter,
		exec: retry.New(opts.DiscoveryRetry,
			retry.WithRetryable(func(err error) bool { return !errors.As(err, new(*emittedError)) }),
			retry.WithNotify(func(err error, attempt int, wait time.Duration) {
				logger.GetDefault().WithField(logger.FieldAttempt, attempt).
					Warnf("[Catalog] Discovery failed, retrying in %s: %v", wait, err)
			}),
		),
		now: time.Now,
	}, nil
}

// Filter returns the parsed package filter.
func (c *Catalog) Filter() domain.PackageFilter {
	return c.filter
}

// Stats returns a snapshot of discovery counters.
func (c *Catalog) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Unsupported = append([]string(nil), c.stats.Unsupported...)
	s.FailedRepositories = append([]string(nil), c.stats.FailedRepositories...)
	return s
}

// Prepare clears the namespace when the run asked for a clean start.
func (c *Catalog) Prepare(ctx context.Context) error {
	if !c.opts.Clean {
		return nil
	}
	logger.CtxInfo(ctx, "[Catalog] Clearing progress of %s", c.store.Namespace())
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}

// Units yields the run's migration units in discovery order. Errors are
// yielded for repositories whose discovery failed and for store failures on
// single units; the sequence continues past them. A failure to list
// repositories ends the sequence.
func (c *Catalog) Units(ctx context.Context) iter.Seq2[domain.Unit, error] {
	return func(yield func(domain.Unit, error) bool) {
		repos, err := retry.Value(ctx, c.exec, func(ctx context.Context) ([]source.Repository, error) {
			ctx, cancel := context.WithTimeout(ctx, c.opts.DiscoveryTimeout)
			defer cancel()
			return c.src.ListRepositories(ctx, domain.NameFilter(c.opts.Repositories))
		})
		if err != nil {
			yield(domain.Unit{}, err)
			return
		}

		for _, repo := range repos {
			if ctx.Err() != nil {
				return
			}
			if !c.repositoryUnits(ctx, repo, yield) {
				return
			}
		}
	}
}

// emittedError marks a listing failure after units were already yielded,
// which cannot be retried without yielding them twice.
type emittedError struct{ err error }

func (e *emittedError) Error() string { return e.err.Error() }
func (e *emittedError) Unwrap() error { return e.err }

// repositoryUnits yields the units of one repository. It returns false once
// the consumer stopped.
func (c *Catalog) repositoryUnits(ctx context.Context, repo source.Repository, yield func(domain.Unit, error) bool) bool {
	ctx = logger.SetRepository(ctx, repo.Name)

	if !repo.PackageType.Supported() {
		logger.CtxWarn(ctx, "[Catalog] Package type %s of repository %s not supported, skipping", repo.RawType, repo.Name)
		c.mu.Lock()
		c.stats.Unsupported = append(c.stats.Unsupported, repo.Name)
		c.mu.Unlock()
		return true
	}

	c.mu.Lock()
	c.stats.Repositories++
	c.mu.Unlock()

	rec, err := c.repositoryRecord(ctx, repo)
	if err != nil {
		return yield(domain.Unit{}, err)
	}
	rec.Advance(domain.RepositoryStatusInProgress, c.now())
	if err := c.store.PutRepository(ctx, rec); err != nil {
		return yield(domain.Unit{}, err)
	}

	// The timeout bounds the listing request only. Store lookups and the
	// consumer run under ctx, which may outlive it by far on large repositories.
	listed := 0
	stopped := false
	err = c.exec.Do(ctx, func(attemptCtx context.Context) error {
		listCtx, cancel := context.WithTimeout(attemptCtx, c.opts.DiscoveryTimeout)
		defer cancel()
		for u, err := range c.src.ListPackageVersions(listCtx, repo, c.filter) {
			if err != nil {
				if listed > 0 {
					return &emittedError{err: err}
				}
				return err
			}
			listed++
			unit, err := c.decide(ctx, u)
			if !yield(unit, err) {
				stopped = true
				return nil
			}
		}
		return nil
	})
	if stopped {
		return false
	}

	c.mu.Lock()
	c.stats.Listed += listed
	c.mu.Unlock()

	if err != nil {
		logger.CtxError(ctx, "[Catalog] Discovery of %s failed: %v", repo.Name, err)
		c.mu.Lock()
		c.stats.FailedRepositories = append(c.stats.FailedRepositories, repo.Name)
		c.mu.Unlock()
		rec.Advance(domain.RepositoryStatusFailed, c.now())
		rec.LastError = err.Error()
		if putErr := c.store.PutRepository(context.WithoutCancel(ctx), rec); putErr != nil {
			logger.CtxWarn(ctx, "[Catalog] Failed to record discovery failure of %s: %v", repo.Name, putErr)
		}
		if !errors.Is(err, domain.ErrDiscoveryFailure) {
			err = domain.DiscoveryError("list packages", repo.Name, err)
		}
		return yield(domain.Unit{}, err)
	}

	if listed == 0 {
		logger.CtxInfo(ctx, "[Catalog] Repository %s has no packages, marking completed", repo.Name)
		rec.Advance(domain.RepositoryStatusCompleted, c.now())
		if err := c.store.PutRepository(ctx, rec); err != nil {
			return yield(domain.Unit{}, err)
		}
	}
	return true
}

func (c *Catalog) repositoryRecord(ctx context.Context, repo source.Repository) (*domain.RepositoryRecord, error) {
	rec, err := c.store.GetRepository(ctx, repo.Name)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		return domain.NewRepositoryRecord(repo.Name, repo.PackageType, c.now()), nil
	case err != nil:
		return nil, err
	}
	return rec, nil
}

// decide attaches the stored record to a discovered unit and applies the
// cache policy. The stored record is always loaded so that a content change is
// detected against the last published checksum; Cache only decides whether a
// published record lets the unit be skipped.
func (c *Catalog) decide(ctx context.Context, u domain.Unit) (domain.Unit, error) {
	rec, err := c.store.GetVersion(ctx, u.Key)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		rec = domain.NewPackageVersionRecord(u.Key, u.PackageType, c.now())
	case err != nil:
		return u, err
	}
	u.Record = rec

	if domain.HasInvalidChars(u.Key.PackageName) || domain.HasInvalidChars(u.Key.Version) {
		logger.CtxWarn(ctx, "[Catalog] Bad characters found in package name or version, skipping: %s", u.Key)
		u.SkipReason = domain.SkipReasonInvalidName
		return u, nil
	}

	if c.opts.Cache && rec.IsPublished() && !c.opts.Refresh {
		c.mu.Lock()
		c.stats.CachedSkips++
		c.mu.Unlock()
		logger.CtxDebug(ctx, "[Catalog] %s already published, skipping", u.Key)
		u.SkipReason = domain.SkipReasonPublished
		return u, nil
	}

	if c.opts.Cache && rec.PublishStatus == domain.PublishStatusFailed {
		logger.CtxWarn(ctx, "[Catalog] %s failed to publish previously (attempt %d): %s", u.Key, rec.Attempts, rec.LastError)
	}
	u.Refresh = c.opts.Refresh
	u.Verify = !c.opts.Cache
	return u, nil
}
