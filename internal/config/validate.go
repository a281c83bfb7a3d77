package config

import (
	"fmt"
	"strings"
)

// Overrides carries values given on the command line. Nil pointers and empty
// strings leave the loaded configuration untouched.
type Overrides struct {
	ArtifactoryHost     string
	ArtifactoryPrefix   string
	ArtifactoryProtocol string
	ArtifactoryUser     string
	ArtifactoryPass     string
	CodeArtifactDomain  string
	CodeArtifactAccount string
	CodeArtifactRegion  string
	Repositories        []string
	Packages            []string
	DryRun              *bool
	Cache               *bool
	Refresh             *bool
	Clean               *bool
	DynamoDB            *bool
	Procs               *int
	LogLevel            string
	LogOutput           string
}

// ApplyOverrides copies every set override into the configuration.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.Artifactory.Host, o.ArtifactoryHost)
	setString(&c.Artifactory.Prefix, o.ArtifactoryPrefix)
	setString(&c.Artifactory.Protocol, o.ArtifactoryProtocol)
	setString(&c.Artifactory.Username, o.ArtifactoryUser)
	setString(&c.Artifactory.Password, o.ArtifactoryPass)
	setString(&c.CodeArtifact.Domain, o.CodeArtifactDomain)
	setString(&c.CodeArtifact.Account, o.CodeArtifactAccount)
	setString(&c.CodeArtifact.Region, o.CodeArtifactRegion)
	setString(&c.Log.Level, o.LogLevel)
	setString(&c.Log.Output, o.LogOutput)

	if len(o.Repositories) > 0 {
		c.Replication.Repositories = o.Repositories
	}
	if len(o.Packages) > 0 {
		c.Replication.Packages = o.Packages
	}
	setBool(&c.Replication.DryRun, o.DryRun)
	setBool(&c.Replication.Cache, o.Cache)
	setBool(&c.Replication.Refresh, o.Refresh)
	setBool(&c.Replication.Clean, o.Clean)
	setBool(&c.DynamoDB.Enabled, o.DynamoDB)
	if o.Procs != nil {
		c.Replication.Procs = *o.Procs
	}
}

// Validate checks that a replication run has everything it needs.
// Returns an error describing the first validation failure, or nil if valid.
func (c *Config) Validate() error {
	if c.Artifactory.Host == "" {
		return fmt.Errorf("artifactory: host is required (set --artifactory-host or ARTIFACTORY_HOST)")
	}
	switch strings.ToLower(c.Artifactory.Protocol) {
	case "http", "https":
	default:
		return fmt.Errorf("artifactory: unknown protocol %q", c.Artifactory.Protocol)
	}
	if c.Artifactory.Username == "" || c.Artifactory.Password == "" {
		return fmt.Errorf("artifactory: username and password are required (set ARTIFACTORY_USER and ARTIFACTORY_PASS)")
	}
	if c.CodeArtifact.Domain == "" {
		return fmt.Errorf("codeartifact: domain is required")
	}
	if c.CodeArtifact.Account == "" {
		return fmt.Errorf("codeartifact: account is required")
	}
	if c.CodeArtifact.Region == "" {
		return fmt.Errorf("codeartifact: region is required (set --codeartifact-region or AWS_REGION)")
	}
	if c.Replication.Procs <= 0 {
		return fmt.Errorf("replication: procs must be positive, got %d", c.Replication.Procs)
	}
	return c.ValidateStore()
}

// ValidateStore checks the state store settings only. Used by commands that
// read progress without replicating.
func (c *Config) ValidateStore() error {
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive: bucket is required when enabled")
	}
	if c.DynamoDB.Enabled {
		if c.DynamoDB.Region == "" && c.CodeArtifact.Region == "" {
			return fmt.Errorf("dynamodb: region is required")
		}
		return nil
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Dir == "" {
			return fmt.Errorf("database: dir is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database: dsn is required for postgres (set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	return nil
}

// DynamoRegion returns the region for the distributed store.
func (c *Config) DynamoRegion() string {
	if c.DynamoDB.Region != "" {
		return c.DynamoDB.Region
	}
	return c.CodeArtifact.Region
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
