package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/destination"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/source"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/statestore"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/storage"
)

// ReplicationService runs migration units through fetch and publish on a
// fixed pool of workers.
type ReplicationService struct {
	store    statestore.Store
	src      source.Source
	dst      destination.Destination
	archiver *storage.Archiver
	logger   *logger.Logger

	fetchTimeout   time.Duration
	publishTimeout time.Duration
	now            func() time.Time

	live liveCounters
}

// ReplicationConfig holds the per-step timeouts.
type ReplicationConfig struct {
	FetchTimeout   time.Duration
	PublishTimeout time.Duration
}

// NewReplicationService creates a new replication service. archiver may be nil.
func NewReplicationService(
	store statestore.Store,
	src source.Source,
	dst destination.Destination,
	archiver *storage.Archiver,
	log *logger.Logger,
	cfg *ReplicationConfig,
) *ReplicationService {
	if cfg == nil {
		cfg = &ReplicationConfig{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Minute
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &ReplicationService{
		store:          store,
		src:            src,
		dst:            dst,
		archiver:       archiver,
		logger:         log,
		fetchTimeout:   cfg.FetchTimeout,
		publishTimeout: cfg.PublishTimeout,
		now:            time.Now,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *ReplicationService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// FailedUnit is a unit or repository that failed during a run.
type FailedUnit struct {
	Key string
	Err error
}

// Summary holds the outcome of a run.
type Summary struct {
	RunID      string
	Succeeded  int64
	Failed     int64
	Skipped    int64
	FailedKeys []FailedUnit
	StartTime  time.Time
	EndTime    time.Time
}

// OK reports whether no unit failed.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

// LiveProgress is a snapshot of the counters of the run in progress.
type LiveProgress struct {
	RunID     string    `json:"run_id,omitempty"`
	Running   bool      `json:"running"`
	// Queued counts units handed to the workers. Units dropped after an
	// interrupt are taken back out.
	Queued    int64     `json:"queued"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Skipped   int64     `json:"skipped"`
	StartTime time.Time `json:"start_time"`
}

type liveCounters struct {
	mu        sync.Mutex
	runID     string
	start     time.Time
	running   atomic.Bool
	queued    atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Progress returns the live counters of the current or last run.
func (s *ReplicationService) Progress() LiveProgress {
	s.live.mu.Lock()
	defer s.live.mu.Unlock()
	return LiveProgress{
		RunID:     s.live.runID,
		Running:   s.live.running.Load(),
		Queued:    s.live.queued.Load(),
		Succeeded: s.live.succeeded.Load(),
		Failed:    s.live.failed.Load(),
		Skipped:   s.live.skipped.Load(),
		StartTime: s.live.start,
	}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

type unitResult struct {
	key     string
	repo    string
	outcome outcome
	err     error
}

// Run processes units with concurrency workers and returns the run summary.
// Per-unit failures are recorded and never abort the run. Cancelling ctx
// stops the intake of new units; units already started finish their current
// step under the step timeouts. The returned error is non-nil only when the
// run was cancelled.
func (s *ReplicationService) Run(ctx context.Context, units iter.Seq2[domain.Unit, error], concurrency int) (*Summary, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = uuid.New().String()
		ctx = logger.SetRunID(ctx, runID)
	}

	summary := &Summary{RunID: runID, StartTime: s.now()}
	s.live.mu.Lock()
	s.live.runID = runID
	s.live.start = summary.StartTime
	s.live.queued.Store(0)
	s.live.succeeded.Store(0)
	s.live.failed.Store(0)
	s.live.skipped.Store(0)
	s.live.running.Store(true)
	s.live.mu.Unlock()
	defer s.live.running.Store(false)

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldMode: s.store.Namespace().Mode,
		"concurrency":    concurrency,
	}).Info("Starting replication")

	// In-flight units run detached from cancellation.
	workCtx := context.WithoutCancel(ctx)

	unitsChan := make(chan domain.Unit, concurrency*2)
	resultsChan := make(chan unitResult, concurrency*2)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, workCtx, unitsChan, resultsChan)
		}()
	}

	repoFailures := make(map[string]int)
	done := make(chan struct{})
	go func() {
		for r := range resultsChan {
			switch r.outcome {
			case outcomeSucceeded:
				summary.Succeeded++
				s.live.succeeded.Add(1)
			case outcomeSkipped:
				summary.Skipped++
				s.live.skipped.Add(1)
			case outcomeFailed:
				summary.Failed++
				s.live.failed.Add(1)
				summary.FailedKeys = append(summary.FailedKeys, FailedUnit{Key: r.key, Err: r.err})
				if r.repo != "" {
					repoFailures[r.repo]++
				}
			}
		}
		close(done)
	}()

	touched := s.dispatch(ctx, units, unitsChan, resultsChan)

	close(unitsChan)
	wg.Wait()
	close(resultsChan)
	<-done

	s.finalizeRepositories(workCtx, touched, repoFailures, ctx.Err() != nil)

	summary.EndTime = s.now()
	sort.Slice(summary.FailedKeys, func(i, j int) bool { return summary.FailedKeys[i].Key < summary.FailedKeys[j].Key })
	s.report(ctx, summary)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("replication interrupted: %w", err)
	}
	return summary, nil
}

// dispatch feeds units to the workers and returns the repositories seen.
// Destination repositories are ensured once, before their first unit.
func (s *ReplicationService) dispatch(ctx context.Context, units iter.Seq2[domain.Unit, error], unitsChan chan<- domain.Unit, results chan<- unitResult) map[string]domain.PackageType {
	touched := make(map[string]domain.PackageType)
	ensured := make(map[string]error)

	for u, err := range units {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			results <- discoveryResult(u, err)
			continue
		}

		repo := u.Key.Repository
		touched[repo] = u.PackageType
		if !u.Skipped() {
			ensureErr, ok := ensured[repo]
			if !ok {
				ensureErr = s.dst.EnsureRepository(ctx, repo, u.PackageType)
				ensured[repo] = ensureErr
				if ensureErr != nil {
					s.log(ctx).WithField(logger.FieldRepository, repo).WithError(ensureErr).
						Error("Failed to ensure destination repository")
				}
			}
			if ensureErr != nil {
				results <- unitResult{key: u.Key.String(), repo: repo, outcome: outcomeFailed, err: domain.PublishError(u.Key, ensureErr)}
				continue
			}
		}

		s.live.queued.Add(1)
		select {
		case unitsChan <- u:
		case <-ctx.Done():
			s.live.queued.Add(-1)
			return touched
		}
	}
	return touched
}

func discoveryResult(u domain.Unit, err error) unitResult {
	r := unitResult{key: u.Key.String(), repo: u.Key.Repository, outcome: outcomeFailed, err: err}
	var opErr *domain.OperationError
	if u.Key == (domain.VersionKey{}) {
		r.key, r.repo = "", ""
		if errors.As(err, &opErr) {
			r.key = opErr.Key
		}
		if r.key == "" {
			r.key = "discovery"
		}
	}
	return r
}

func (s *ReplicationService) worker(ctx, workCtx context.Context, units <-chan domain.Unit, results chan<- unitResult) {
	for u := range units {
		if ctx.Err() != nil {
			// Drain without starting new work.
			s.live.queued.Add(-1)
			continue
		}
		results <- s.processUnit(workCtx, u)
	}
}

// processUnit runs one unit. Every store write follows the effect it records.
func (s *ReplicationService) processUnit(ctx context.Context, u domain.Unit) unitResult {
	key := u.Key
	result := unitResult{key: key.String(), repo: key.Repository}
	ctx = logger.SetUnit(ctx, key.Repository, key.PackageName, key.Version)
	start := s.now()

	rec := u.Record
	if rec == nil {
		rec = domain.NewPackageVersionRecord(key, u.PackageType, start)
	} else {
		rec = rec.Clone()
	}

	if u.Skipped() {
		result.outcome = outcomeSkipped
		if u.RecordsSkip() {
			rec.MarkSkipped(u.SkipReason, s.now())
			if err := s.store.PutVersion(ctx, rec); err != nil {
				s.log(ctx).WithError(err).Warn("Failed to record skipped unit")
			}
		}
		return result
	}

	rec.MarkInProgress(s.now())
	if err := s.store.PutVersion(ctx, rec); err != nil {
		s.log(ctx).WithError(err).Debug("Failed to mark unit in progress")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	artifact, err := s.src.FetchArtifact(fetchCtx, u)
	if err == nil && s.archiver != nil {
		// Objects archived under the recorded checksum are already current.
		overwrite := rec.Checksum != artifact.Checksum()
		if _, archErr := s.archiver.Archive(fetchCtx, artifact, overwrite); archErr != nil {
			err = domain.FetchError(key, fmt.Errorf("failed to archive: %w", archErr))
		}
	}
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrFetchFailure) {
			err = domain.FetchError(key, err)
		}
		rec.MarkFetchFailed(err, s.now())
		return s.fail(ctx, rec, result, err)
	}

	wasPublished := rec.IsPublished()
	changed := rec.MarkFetched(artifact.Checksum(), artifact.Metadata, s.now())
	if wasPublished && !changed && !u.Verify {
		rec.Release(s.now())
		if err := s.store.PutVersion(ctx, rec); err != nil {
			return s.fail(ctx, rec, result, err)
		}
		s.log(ctx).Debug("Source unchanged since last publish, skipping")
		result.outcome = outcomeSkipped
		return result
	}
	if changed {
		s.log(ctx).Info("Source content changed, republishing")
	}
	if err := s.store.PutVersion(ctx, rec); err != nil {
		return s.fail(ctx, rec, result, err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	err = s.dst.PublishArtifact(publishCtx, destination.PublishRequest{
		Artifact: artifact,
		Replace:  changed,
		DryRun:   s.store.Namespace().DryRun(),
	})
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrPublishFailure) {
			err = domain.PublishError(key, err)
		}
		rec.MarkPublishFailed(err, s.now())
		return s.fail(ctx, rec, result, err)
	}

	rec.MarkPublished(s.now())
	if err := s.store.PutVersion(ctx, rec); err != nil {
		return s.fail(ctx, rec, result, err)
	}

	logger.With(logger.Fields{logger.FieldSize: artifact.Size()}).
		Since(start).
		Info(ctx, "Replicated %s", key)
	result.outcome = outcomeSucceeded
	return result
}

// fail records a failed unit. The record is written best effort; a store
// failure is reported together with the original error.
func (s *ReplicationService) fail(ctx context.Context, rec *domain.PackageVersionRecord, result unitResult, err error) unitResult {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		rec.Release(s.now())
	} else if putErr := s.store.PutVersion(ctx, rec); putErr != nil {
		s.log(ctx).WithError(putErr).Error("Failed to record unit failure")
		err = errors.Join(err, putErr)
	}
	s.log(ctx).WithError(err).Warn("Unit failed")
	result.outcome = outcomeFailed
	result.err = err
	return result
}

// finalizeRepositories moves every repository touched by the run to completed
// or failed. An interrupted run only records failures.
func (s *ReplicationService) finalizeRepositories(ctx context.Context, touched map[string]domain.PackageType, failures map[string]int, interrupted bool) {
	names := make([]string, 0, len(touched)+len(failures))
	for name := range touched {
		names = append(names, name)
	}
	for name := range failures {
		if _, ok := touched[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		failed := failures[name] > 0
		if interrupted && !failed {
			continue
		}
		rec, err := s.store.GetRepository(ctx, name)
		if errors.Is(err, statestore.ErrNotFound) {
			rec = domain.NewRepositoryRecord(name, touched[name], s.now())
		} else if err != nil {
			s.log(ctx).WithField(logger.FieldRepository, name).WithError(err).Warn("Failed to load repository record")
			continue
		}

		status := domain.RepositoryStatusCompleted
		if failed {
			status = domain.RepositoryStatusFailed
			rec.LastError = fmt.Sprintf("%d units failed", failures[name])
		}
		if !rec.Advance(status, s.now()) {
			continue
		}
		if err := s.store.PutRepository(ctx, rec); err != nil {
			s.log(ctx).WithField(logger.FieldRepository, name).WithError(err).Warn("Failed to record repository status")
		}
	}
}

func (s *ReplicationService) report(ctx context.Context, summary *Summary) {
	l := s.log(ctx)
	l.WithFields(logger.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"duration":  summary.EndTime.Sub(summary.StartTime).String(),
	}).Info("Replication completed")

	if summary.Failed == 0 {
		return
	}
	if !l.Logger.IsLevelEnabled(logrus.InfoLevel) {
		l.WithField(logger.FieldCount, summary.Failed).
			Warn("Some units failed, run with -v to list them")
		return
	}
	for _, f := range summary.FailedKeys {
		l.WithField(logger.FieldUnit, f.Key).WithError(f.Err).Warn("Failed unit")
	}
}
