package statestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLConfig selects and tunes the SQL backend.
type SQLConfig struct {
	Driver          string // sqlite or postgres
	Dir             string // sqlite directory; the file name comes from the namespace
	DSN             string // postgres connection string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// SQLStore implements Store on gorm. sqlite is the embedded backend and
// postgres a shared one; both keep each namespace in its own tables.
type SQLStore struct {
	db        *gorm.DB
	ns        domain.Namespace
	repoTable string
	pkgTable  string
	call      caller
	batchSize int
}

// OpenSQL connects to the configured database and migrates the namespace tables.
// Parameters:
//   - ctx: context for the initial migration.
//   - cfg: driver and connection settings.
//   - ns: namespace whose tables are used.
//   - opts: timeout and retry settings.
// Returns:
//   - *SQLStore: store bound to ns.
//   - error: non-nil if connection or migration fails.
func OpenSQL(ctx context.Context, cfg SQLConfig, ns domain.Namespace, opts Options) (*SQLStore, error) {
	opts = opts.withDefaults()

	level := gormlogger.Silent
	if cfg.Debug {
		level = gormlogger.Info
	}
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(level)}

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "postgres":
		db, err = openPostgres(cfg, gormConfig)
	case "sqlite", "":
		db, err = openSQLite(ns.DBPath(cfg.Dir), gormConfig)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.Driver == "postgres" {
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under the worker pool.
		sqlDB.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:        db,
		ns:        ns,
		repoTable: ns.TableName(domain.EntityRepositories),
		pkgTable:  ns.TableName(domain.EntityPackages),
		call:      newCaller(opts, func(error) bool { return false }),
		batchSize: opts.BatchSize,
	}

	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.CtxDebug(ctx, "[StateStore] Opened %s store for namespace %s", cfg.Driver, ns)
	return s, nil
}

func openPostgres(cfg SQLConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// PreferSimpleProtocol keeps the store usable behind transaction poolers.
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func openSQLite(path string, gormConfig *gorm.Config) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	return db, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	return s.call.do(ctx, "migrate", s.ns.String(), func(ctx context.Context) error {
		db := s.db.WithContext(ctx)
		if err := db.Table(s.repoTable).AutoMigrate(&domain.RepositoryRecord{}); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", s.repoTable, err)
		}
		if err := db.Table(s.pkgTable).AutoMigrate(&domain.PackageVersionRecord{}); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", s.pkgTable, err)
		}
		return nil
	})
}

// Namespace returns the namespace the store is bound to.
func (s *SQLStore) Namespace() domain.Namespace {
	return s.ns
}

// GetRepository loads one repository record.
func (s *SQLStore) GetRepository(ctx context.Context, name string) (*domain.RepositoryRecord, error) {
	var rec domain.RepositoryRecord
	err := s.call.do(ctx, "get repository", name, func(ctx context.Context) error {
		return notFound(s.db.WithContext(ctx).Table(s.repoTable).Where("name = ?", name).Take(&rec).Error)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRepository upserts a repository record.
func (s *SQLStore) PutRepository(ctx context.Context, rec *domain.RepositoryRecord) error {
	return s.call.do(ctx, "put repository", rec.Name, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Table(s.repoTable).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).Create(rec).Error
	})
}

// ScanRepositories yields all repository records ordered by name.
func (s *SQLStore) ScanRepositories(ctx context.Context) iter.Seq2[*domain.RepositoryRecord, error] {
	return func(yield func(*domain.RepositoryRecord, error) bool) {
		after := ""
		for {
			var batch []*domain.RepositoryRecord
			err := s.call.do(ctx, "scan repositories", after, func(ctx context.Context) error {
				batch = batch[:0]
				return s.db.WithContext(ctx).Table(s.repoTable).
					Where("name > ?", after).
					Order("name").
					Limit(s.batchSize).
					Find(&batch).Error
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < s.batchSize {
				return
			}
			after = batch[len(batch)-1].Name
		}
	}
}

// GetVersion loads one package version record.
func (s *SQLStore) GetVersion(ctx context.Context, key domain.VersionKey) (*domain.PackageVersionRecord, error) {
	var rec domain.PackageVersionRecord
	err := s.call.do(ctx, "get version", key.String(), func(ctx context.Context) error {
		return notFound(s.db.WithContext(ctx).Table(s.pkgTable).
			Where("repository = ? AND package_name = ? AND version = ?", key.Repository, key.PackageName, key.Version).
			Take(&rec).Error)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutVersion upserts a package version record behind the published guard.
// The guard is evaluated by the database in the conflict clause, so
// concurrent writers cannot race it.
func (s *SQLStore) PutVersion(ctx context.Context, rec *domain.PackageVersionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	guard := clause.Expr{
		SQL: "? <> ? OR excluded.publish_status = ? OR (excluded.checksum <> '' AND excluded.checksum <> ?)",
		Vars: []interface{}{
			clause.Column{Table: s.pkgTable, Name: "publish_status"},
			string(domain.PublishStatusPublished),
			string(domain.PublishStatusPublished),
			clause.Column{Table: s.pkgTable, Name: "checksum"},
		},
	}
	return s.call.do(ctx, "put version", rec.Key().String(), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Table(s.pkgTable).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository"}, {Name: "package_name"}, {Name: "version"}},
			UpdateAll: true,
			Where:     clause.Where{Exprs: []clause.Expression{guard}},
		}).Create(rec).Error
	})
}

// ScanVersions yields the records under prefix in key order, one page at a time.
func (s *SQLStore) ScanVersions(ctx context.Context, prefix domain.VersionKey) iter.Seq2[*domain.PackageVersionRecord, error] {
	return func(yield func(*domain.PackageVersionRecord, error) bool) {
		var after *domain.VersionKey
		for {
			var batch []*domain.PackageVersionRecord
			err := s.call.do(ctx, "scan versions", prefix.String(), func(ctx context.Context) error {
				batch = batch[:0]
				q := s.db.WithContext(ctx).Table(s.pkgTable)
				if prefix.Repository != "" {
					q = q.Where("repository = ?", prefix.Repository)
				}
				if prefix.PackageName != "" {
					q = q.Where("package_name = ?", prefix.PackageName)
				}
				if prefix.Version != "" {
					q = q.Where("version = ?", prefix.Version)
				}
				if after != nil {
					q = q.Where("(repository > ? OR (repository = ? AND package_name > ?) OR (repository = ? AND package_name = ? AND version > ?))",
						after.Repository,
						after.Repository, after.PackageName,
						after.Repository, after.PackageName, after.Version)
				}
				return q.Order("repository, package_name, version").Limit(s.batchSize).Find(&batch).Error
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < s.batchSize {
				return
			}
			last := batch[len(batch)-1].Key()
			after = &last
		}
	}
}

// Clear deletes every record of the namespace. Other namespaces live in
// other tables (or files) and are untouched.
func (s *SQLStore) Clear(ctx context.Context) error {
	return s.call.do(ctx, "clear", s.ns.String(), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Table(s.pkgTable).Where("1 = 1").Delete(&domain.PackageVersionRecord{}).Error; err != nil {
				return fmt.Errorf("failed to clear %s: %w", s.pkgTable, err)
			}
			if err := tx.Table(s.repoTable).Where("1 = 1").Delete(&domain.RepositoryRecord{}).Error; err != nil {
				return fmt.Errorf("failed to clear %s: %w", s.repoTable, err)
			}
			return nil
		})
	})
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
