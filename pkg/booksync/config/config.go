// Package config loads booksync settings from the environment or a YAML file
// and assembles the running components.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Dynamo   DynamoConfig   `yaml:"dynamo"`
	Redis    RedisConfig    `yaml:"redis"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Events   EventsConfig   `yaml:"events"`
	Reports  ReportsConfig  `yaml:"reports"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"15s"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig selects the authoritative store. URL "memory" keeps it in process.
type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL" env-default:"memory"`
	Schema   string `yaml:"schema" env:"DB_SCHEMA"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
	Migrate  bool   `yaml:"migrate" env:"DB_MIGRATE" env-default:"false"`
}

// IsPostgres reports whether URL points at PostgreSQL.
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// DynamoConfig selects the secondary store. Backend "memory" keeps it in process.
type DynamoConfig struct {
	Backend         string `yaml:"backend" env:"SECONDARY_STORE" env-default:"memory"`
	Table           string `yaml:"table" env:"DYNAMO_TABLE" env-default:"Books"`
	Region          string `yaml:"region" env:"AWS_REGION" env-default:"us-east-1"`
	Endpoint        string `yaml:"endpoint" env:"DYNAMO_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	CreateTable     bool   `yaml:"create_table" env:"DYNAMO_CREATE_TABLE" env-default:"false"`
}

// RedisConfig points at the cache and pub/sub server. URL "memory" keeps both in process.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL" env-default:"memory"`
}

type SyncConfig struct {
	Enabled    bool          `yaml:"enabled" env:"SYNC_ENABLED" env-default:"true"`
	Interval   time.Duration `yaml:"interval" env:"SYNC_INTERVAL" env-default:"10h"`
	RunOnStart bool          `yaml:"run_on_start" env:"SYNC_RUN_ON_START" env-default:"false"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_TTL" env-default:"1h"`
	Prefix     string        `yaml:"prefix" env:"CACHE_PREFIX" env-default:"cache:"`
}

type EventsConfig struct {
	QueueSize      int           `yaml:"queue_size" env:"EVENTS_QUEUE_SIZE" env-default:"1024"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"EVENTS_PUBLISH_TIMEOUT" env-default:"2s"`
}

// ReportsConfig selects the sync report archive.
//
//	STORAGE_URL - one of:
//	  "memory://"                                   in-process (default)
//	  "s3://bucket?region=us-east-1&endpoint=...&path_style=true&prefix=booksync&create=true"
//	  "none"                                        discard reports
type ReportsConfig struct {
	StorageURL string `yaml:"storage_url" env:"STORAGE_URL" env-default:"memory://"`
}

type AuthConfig struct {
	// APIKeySHA256 is the hex SHA-256 of the admin API key. Empty disables the admin routes.
	APIKeySHA256 string `yaml:"api_key_sha256" env:"API_KEY_SHA256"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads the YAML file named by CONFIG_PATH when set, then environment
// variables, then validates.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage describes every environment variable.
func Usage() string {
	var cfg Config
	desc, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return desc
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.Database.URL != "memory" && !c.Database.IsPostgres() {
		errs = append(errs, fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgres://...')", c.Database.URL))
	}
	switch c.Dynamo.Backend {
	case "memory":
	case "dynamodb":
		if c.Dynamo.Table == "" {
			errs = append(errs, errors.New("DYNAMO_TABLE is required for the dynamodb secondary store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported SECONDARY_STORE: %s (use 'memory' or 'dynamodb')", c.Dynamo.Backend))
	}
	if c.Redis.URL != "memory" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = append(errs, fmt.Errorf("unsupported REDIS_URL format: %s (use 'memory' or 'redis://...')", c.Redis.URL))
	}
	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must be positive"))
	}
	if c.Events.QueueSize <= 0 {
		errs = append(errs, errors.New("EVENTS_QUEUE_SIZE must be positive"))
	}
	if _, err := c.Reports.Parse(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT: %s (use 'json' or 'text')", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ReportTarget is a parsed STORAGE_URL.
type ReportTarget struct {
	Type      string // "memory", "s3" or "none"
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
	Create    bool
}

// Parse interprets StorageURL.
func (r ReportsConfig) Parse() (ReportTarget, error) {
	switch r.StorageURL {
	case "", "memory", "memory://":
		return ReportTarget{Type: "memory"}, nil
	case "none":
		return ReportTarget{Type: "none"}, nil
	}

	u, err := url.Parse(r.StorageURL)
	if err != nil || u.Scheme != "s3" {
		return ReportTarget{}, fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 's3://...' or 'none')", r.StorageURL)
	}
	if u.Host == "" {
		return ReportTarget{}, errors.New("S3 bucket name cannot be empty in STORAGE_URL")
	}

	q := u.Query()
	t := ReportTarget{
		Type:     "s3",
		Bucket:   u.Host,
		Region:   q.Get("region"),
		Endpoint: q.Get("endpoint"),
		Prefix:   q.Get("prefix"),
	}
	for name, dst := range map[string]*bool{"path_style": &t.PathStyle, "create": &t.Create} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return ReportTarget{}, fmt.Errorf("invalid boolean for STORAGE_URL %s: %w", name, err)
			}
			*dst = b
		}
	}
	return t, nil
}
