package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/api"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/catalog"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/config"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/destination/codeartifact"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/service"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/source/artifactory"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/statestore"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/storage"
)

// errUnitsFailed makes the process exit non-zero after a completed run with
// failed units.
var errUnitsFailed = errors.New("some units failed")

func runReplication(parent context.Context, cfg *config.Config, f *flags, log *logger.Logger) error {
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ns := namespaceFor(cfg)
	log = log.WithField(logger.FieldMode, ns.Mode)
	ctx = log.WithContext(ctx)

	store, err := statestore.New(ctx, cfg, ns, cfg.Log.Level == "debug")
	if err != nil {
		log.WithError(err).Error("Failed to open state store")
		return err
	}
	defer store.Close()

	src := artifactory.New(artifactory.Config{
		BaseURL:      cfg.Artifactory.BaseURL(),
		Username:     cfg.Artifactory.Username,
		Password:     cfg.Artifactory.Password,
		Timeout:      cfg.Artifactory.Timeout,
		DNSRefresh:   cfg.Artifactory.DNSRefresh,
		TripFailures: cfg.Artifactory.TripFailure,
		Retry:        retryPolicy(cfg.Retry),
	})
	defer src.Close()

	dst, err := codeartifact.New(ctx, codeartifact.Config{
		Domain:          cfg.CodeArtifact.Domain,
		Account:         cfg.CodeArtifact.Account,
		Region:          cfg.CodeArtifact.Region,
		Endpoint:        cfg.CodeArtifact.Endpoint,
		AccessKeyID:     cfg.CodeArtifact.AccessKeyID,
		SecretAccessKey: cfg.CodeArtifact.SecretAccessKey,
		TokenRefresh:    cfg.CodeArtifact.TokenRefresh,
		Timeout:         cfg.CodeArtifact.Timeout,
		DryRun:          ns.DryRun(),
		Retry:           retryPolicy(cfg.Retry),
	})
	if err != nil {
		log.WithError(err).Error("Failed to initialize CodeArtifact client")
		return err
	}

	var archiver *storage.Archiver
	if cfg.Archive.Enabled {
		objects, err := storage.NewStorage(ctx, cfg.Archive)
		if err != nil {
			log.WithError(err).Error("Failed to initialize archive storage")
			return err
		}
		archiver = storage.NewArchiver(objects, cfg.Archive.Prefix, ns.Mode)
	}

	cat, err := catalog.New(src, store, catalog.Options{
		Repositories:     cfg.Replication.Repositories,
		Packages:         cfg.Replication.Packages,
		Cache:            cfg.Replication.Cache,
		Refresh:          cfg.Replication.Refresh,
		Clean:            cfg.Replication.Clean,
		DiscoveryTimeout: cfg.Replication.DiscoveryTimeout,
	})
	if err != nil {
		log.WithError(err).Error("Invalid package selection")
		return err
	}
	if err := cat.Prepare(ctx); err != nil {
		log.WithError(err).Error("Failed to prepare run")
		return err
	}

	replication := service.NewReplicationService(store, src, dst, archiver, log, &service.ReplicationConfig{
		FetchTimeout:   cfg.Replication.FetchTimeout,
		PublishTimeout: cfg.Replication.PublishTimeout,
	})

	if f.statusAddr != "" {
		srv := &http.Server{
			Addr:    f.statusAddr,
			Handler: api.SetupRouter(service.NewProgressService(store), replication, cfg.Server, log),
		}
		go func() {
			log.WithField("addr", f.statusAddr).Info("Serving live progress")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("Progress server stopped")
			}
		}()
		defer shutdown(srv, log)
	}

	summary, runErr := replication.Run(ctx, cat.Units(ctx), cfg.Replication.Procs)

	stats := cat.Stats()
	log.WithFields(logger.Fields{
		"repositories":        stats.Repositories,
		"unsupported":         len(stats.Unsupported),
		"failed_repositories": len(stats.FailedRepositories),
		"listed":              stats.Listed,
		"cached":              stats.CachedSkips,
	}).Info("Discovery completed")

	printSummary(summary, ns.String())

	if runErr != nil {
		log.WithError(runErr).Warn("Run interrupted, progress is kept for the next run")
		return runErr
	}
	if !summary.OK() || len(stats.FailedRepositories) > 0 {
		return errUnitsFailed
	}
	return nil
}

func shutdown(srv *http.Server, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Progress server forced to shutdown")
	}
}

func printSummary(s *service.Summary, namespace string) {
	fmt.Printf("%s: %d replicated, %d skipped, %d failed in %s\n",
		namespace, s.Succeeded, s.Skipped, s.Failed, s.EndTime.Sub(s.StartTime).Round(time.Millisecond))
}
