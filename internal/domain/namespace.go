package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultAppName prefixes every persisted namespace.
const DefaultAppName = "artifactory-codeartifact-migrator"

// RunMode selects between dry run and production progress.
// Values include RunModeDryRun and RunModeProd.
type RunMode string

const (
	RunModeDryRun RunMode = "dryrun"
	RunModeProd   RunMode = "prod"
)

// ModeFor maps the --dryrun flag to a RunMode.
func ModeFor(dryRun bool) RunMode {
	if dryRun {
		return RunModeDryRun
	}
	return RunModeProd
}

// Entity names used to derive table names.
const (
	EntityRepositories = "repositories"
	EntityPackages     = "packages"
)

// Namespace is the isolated storage partition for one run mode.
// It is passed explicitly to every component that reads or writes progress.
type Namespace struct {
	App  string
	Mode RunMode
}

// NewNamespace builds a namespace, falling back to DefaultAppName.
func NewNamespace(app string, mode RunMode) Namespace {
	if strings.TrimSpace(app) == "" {
		app = DefaultAppName
	}
	if mode == "" {
		mode = RunModeProd
	}
	return Namespace{App: app, Mode: mode}
}

// DryRun reports whether the namespace belongs to dry run progress.
func (n Namespace) DryRun() bool {
	return n.Mode == RunModeDryRun
}

// TableName returns "<app>-<mode>-<entity>".
func (n Namespace) TableName(entity string) string {
	return fmt.Sprintf("%s-%s-%s", n.App, n.Mode, entity)
}

// DBPath returns the embedded store file for this namespace under dir.
func (n Namespace) DBPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.db", n.App, n.Mode))
}

// String implements fmt.Stringer.
func (n Namespace) String() string {
	return n.App + "-" + string(n.Mode)
}
