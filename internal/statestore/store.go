// Package statestore persists replication progress so interrupted runs resume
// where they stopped.
package statestore

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Store is the durable key/value record of repository and package version
// progress for one namespace.
//
// PutVersion never lets a published record regress: the write is silently
// dropped unless the incoming record is published too or carries a non-empty
// checksum different from the stored one.
type Store interface {
	Namespace() domain.Namespace

	GetRepository(ctx context.Context, name string) (*domain.RepositoryRecord, error)
	PutRepository(ctx context.Context, rec *domain.RepositoryRecord) error
	ScanRepositories(ctx context.Context) iter.Seq2[*domain.RepositoryRecord, error]

	GetVersion(ctx context.Context, key domain.VersionKey) (*domain.PackageVersionRecord, error)
	PutVersion(ctx context.Context, rec *domain.PackageVersionRecord) error
	// ScanVersions yields every record whose key matches prefix. Records of
	// one repository come in key order; SQL backends order across
	// repositories too.
	ScanVersions(ctx context.Context, prefix domain.VersionKey) iter.Seq2[*domain.PackageVersionRecord, error]

	// Clear removes every record of the store's namespace.
	Clear(ctx context.Context) error
	Close() error
}

// Options are shared by every backend.
type Options struct {
	// Timeout bounds each store call.
	Timeout time.Duration
	// Retry is the backoff applied to each store call. The zero value uses
	// retry.DefaultPolicy.
	Retry retry.Policy
	// BatchSize is the page size used by scans.
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	return o
}

// caller runs store operations under one retry executor.
type caller struct {
	exec    *retry.Executor
	timeout time.Duration
}

func newCaller(opts Options, permanent func(error) bool) caller {
	return caller{
		exec: retry.New(opts.Retry, retry.WithRetryable(func(err error) bool {
			return !errors.Is(err, ErrNotFound) && !permanent(err)
		})),
		timeout: opts.Timeout,
	}
}

// do runs fn with a per-attempt timeout. Errors surviving the executor are
// reported as domain.ErrStoreUnavailable, except ErrNotFound which passes
// through.
func (c caller) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(ctx)
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return domain.StoreError(op, key, err)
}
