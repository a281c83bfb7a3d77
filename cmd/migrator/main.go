package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/config"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
)

// flags holds the root command line. Values only override the configuration
// when the flag was given.
type flags struct {
	configPath string
	statusAddr string

	artifactoryHost     string
	artifactoryPrefix   string
	artifactoryProtocol string
	artifactoryUser     string
	artifactoryPass     string

	codeartifactDomain  string
	codeartifactAccount string
	codeartifactRegion  string

	repositories string
	packages     string

	dryRun   bool
	cache    bool
	refresh  bool
	clean    bool
	dynamoDB bool
	procs    int

	verbose bool
	debug   bool
	output  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "migrator",
		Short: "Replicate Artifactory repositories into AWS CodeArtifact",
		Long: `Replicate npm, PyPI and Maven repositories from Artifactory into an AWS
CodeArtifact domain. Progress is kept per package version, so an interrupted
run resumes where it stopped.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				log.WithError(err).Error("Invalid configuration")
				return err
			}
			return runReplication(cmd.Context(), cfg, f, log)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Path to config file")
	pf.StringVar(&f.artifactoryHost, "artifactory-host", "", "Artifactory host name")
	pf.StringVar(&f.artifactoryPrefix, "artifactory-prefix", "", "Artifactory path prefix (default /artifactory)")
	pf.StringVar(&f.artifactoryProtocol, "artifactory-protocol", "", "Artifactory protocol, http or https")
	pf.StringVar(&f.artifactoryUser, "artifactory-user", "", "Artifactory user (or ARTIFACTORY_USER)")
	pf.StringVar(&f.artifactoryPass, "artifactory-pass", "", "Artifactory password (or ARTIFACTORY_PASS)")
	pf.StringVar(&f.codeartifactDomain, "codeartifact-domain", "", "CodeArtifact domain")
	pf.StringVar(&f.codeartifactAccount, "codeartifact-account", "", "CodeArtifact domain owner account")
	pf.StringVar(&f.codeartifactRegion, "codeartifact-region", "", "CodeArtifact region (or AWS_REGION)")
	pf.StringVar(&f.repositories, "repositories", "", "Comma separated repositories to replicate, all when empty")
	pf.StringVar(&f.packages, "packages", "", "Comma separated packages, name[@version] or purl")
	pf.BoolVar(&f.dryRun, "dryrun", false, "Fetch and validate without writing to CodeArtifact")
	pf.BoolVar(&f.cache, "cache", true, "Skip versions already published according to the state store")
	pf.BoolVar(&f.refresh, "refresh", false, "Fetch published versions again and republish changed ones")
	pf.BoolVar(&f.clean, "clean", false, "Clear the progress of the selected mode before running")
	pf.BoolVar(&f.dynamoDB, "dynamodb", false, "Keep progress in DynamoDB instead of the local database")
	pf.IntVarP(&f.procs, "procs", "p", 4, "Number of concurrent workers")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output")
	pf.BoolVarP(&f.debug, "debug", "d", false, "Debug output")
	pf.StringVarP(&f.output, "output", "o", "", "Write logs to this file instead of stderr")
	rootCmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "Serve live progress on this address during the run, e.g. :8080")

	rootCmd.AddCommand(newStatusCmd(f))
	rootCmd.AddCommand(newServeCmd(f))
	return rootCmd
}

// setup loads configuration, applies the given flags and installs the logger.
func setup(cmd *cobra.Command, f *flags) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		return nil, nil, err
	}
	cfg.ApplyOverrides(overrides(cmd, f))

	log := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.Output,
		MaxSize:     cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAgeDays,
		ServiceName: cfg.App.Name,
	})
	logger.SetDefaultLogger(log)
	return cfg, log, nil
}

func overrides(cmd *cobra.Command, f *flags) config.Overrides {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	boolFlag := func(name string, v bool) *bool {
		if !changed(name) {
			return nil
		}
		return &v
	}

	o := config.Overrides{
		ArtifactoryHost:     f.artifactoryHost,
		ArtifactoryPrefix:   f.artifactoryPrefix,
		ArtifactoryProtocol: f.artifactoryProtocol,
		ArtifactoryUser:     f.artifactoryUser,
		ArtifactoryPass:     f.artifactoryPass,
		CodeArtifactDomain:  f.codeartifactDomain,
		CodeArtifactAccount: f.codeartifactAccount,
		CodeArtifactRegion:  f.codeartifactRegion,
		Repositories:        domain.ParseNameList(f.repositories),
		Packages:            domain.ParseNameList(f.packages),
		DryRun:              boolFlag("dryrun", f.dryRun),
		Cache:               boolFlag("cache", f.cache),
		Refresh:             boolFlag("refresh", f.refresh),
		Clean:               boolFlag("clean", f.clean),
		DynamoDB:            boolFlag("dynamodb", f.dynamoDB),
		LogOutput:           f.output,
	}
	if changed("procs") {
		o.Procs = &f.procs
	}
	if f.verbose || f.debug {
		o.LogLevel = logger.LevelFor(f.verbose, f.debug)
	}
	return o
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxAttempts:     cfg.MaxAttempts,
		MaxElapsed:      cfg.MaxElapsed,
	}
}

func namespaceFor(cfg *config.Config) domain.Namespace {
	return domain.NewNamespace(cfg.App.Name, domain.ModeFor(cfg.Replication.DryRun))
}
