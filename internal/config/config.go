package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Artifactory  ArtifactoryConfig  `mapstructure:"artifactory"`
	CodeArtifact CodeArtifactConfig `mapstructure:"codeartifact"`
	Database     DatabaseConfig     `mapstructure:"database"`
	DynamoDB     DynamoDBConfig     `mapstructure:"dynamodb"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Replication  ReplicationConfig  `mapstructure:"replication"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type ArtifactoryConfig struct {
	Host        string        `mapstructure:"host"`
	Prefix      string        `mapstructure:"prefix"`
	Protocol    string        `mapstructure:"protocol"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DNSRefresh  time.Duration `mapstructure:"dns_refresh"`
	TripFailure int64         `mapstructure:"trip_failures"`
}

// BaseURL returns "<protocol>://<host><prefix>" without a trailing slash.
func (c ArtifactoryConfig) BaseURL() string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix != "" {
		prefix = "/" + prefix
	}
	return fmt.Sprintf("%s://%s%s", c.Protocol, strings.TrimRight(c.Host, "/"), prefix)
}

type CodeArtifactConfig struct {
	Domain          string        `mapstructure:"domain"`
	Account         string        `mapstructure:"account"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	TokenRefresh    time.Duration `mapstructure:"token_refresh"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Dir             string        `mapstructure:"dir"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type DynamoDBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// ArchiveConfig configures the optional S3 copy of fetched artifacts.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

type ReplicationConfig struct {
	Repositories     []string      `mapstructure:"repositories"`
	Packages         []string      `mapstructure:"packages"`
	DryRun           bool          `mapstructure:"dryrun"`
	Cache            bool          `mapstructure:"cache"`
	Refresh          bool          `mapstructure:"refresh"`
	Clean            bool          `mapstructure:"clean"`
	Procs            int           `mapstructure:"procs"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// ServerConfig configures the progress API.
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	Mode        string   `mapstructure:"mode"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address for Port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("artifactory.username", "ARTIFACTORY_USER")
	v.BindEnv("artifactory.password", "ARTIFACTORY_PASS")
	v.BindEnv("artifactory.host", "ARTIFACTORY_HOST")
	v.BindEnv("codeartifact.region", "AWS_REGION")
	v.BindEnv("codeartifact.access_key_id", "AWS_ACCESS_KEY_ID")
	v.BindEnv("codeartifact.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("codeartifact.account", "CODEARTIFACT_ACCOUNT")
	v.BindEnv("codeartifact.domain", "CODEARTIFACT_DOMAIN")
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")
	v.BindEnv("log.format", "LOG_FORMAT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "artifactory-codeartifact-migrator")
	v.SetDefault("artifactory.protocol", "https")
	v.SetDefault("artifactory.prefix", "/artifactory")
	v.SetDefault("artifactory.timeout", 120*time.Second)
	v.SetDefault("artifactory.dns_refresh", 5*time.Minute)
	v.SetDefault("artifactory.trip_failures", 5)
	v.SetDefault("codeartifact.token_refresh", 5*time.Hour)
	v.SetDefault("codeartifact.timeout", 120*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dir", ".replication")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.timeout", 30*time.Second)
	v.SetDefault("dynamodb.enabled", false)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("replication.cache", true)
	v.SetDefault("replication.procs", 4)
	v.SetDefault("replication.discovery_timeout", 10*time.Minute)
	v.SetDefault("replication.fetch_timeout", 10*time.Minute)
	v.SetDefault("replication.publish_timeout", 10*time.Minute)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.max_elapsed", 5*time.Minute)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}
