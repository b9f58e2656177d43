// Package config loads certview-mirror configuration from defaults, a YAML
// file, and environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageBackend selects which Store implementation backs the catalog.
type StorageBackend string

const (
	// StorageBackendSQLite is the single-node, dependency-free backend.
	StorageBackendSQLite StorageBackend = "sqlite"
	// StorageBackendPostgres is the HA-ready backend.
	StorageBackendPostgres StorageBackend = "postgres"
)

// Config is the root configuration for the service.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	CertView CertViewConfig `mapstructure:"certview"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// StorageConfig selects and configures the Store backend.
type StorageConfig struct {
	Backend      StorageBackend `mapstructure:"backend"`
	SQLitePath   string         `mapstructure:"sqlite_path"`
}

// DatabaseConfig configures the Postgres backend (ignored for sqlite).
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// CertViewConfig configures the upstream CertView service and its auth endpoint.
type CertViewConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ListEndpoint string        `mapstructure:"list_endpoint"`
	AuthURL      string        `mapstructure:"auth_url"`
	AuthPayload  string        `mapstructure:"auth_payload"` // raw JSON object or JSON-encoded string
	TimeoutSecs  int           `mapstructure:"timeout_secs"`
	PageSize     int           `mapstructure:"page_size"`
	Timeout      time.Duration `mapstructure:"-"`
}

// SyncConfig configures the windowed sweep.
type SyncConfig struct {
	Interval       string        `mapstructure:"interval"` // daily|monthly|yearly
	StopJoinTimeout time.Duration `mapstructure:"stop_join_timeout"`
}

// ServerConfig configures the reference HTTP control-surface façade.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from built-in defaults, an optional YAML file,
// and environment variables (prefixed CERTVIEW_ / LOG_ / ..., '.' replaced
// with '_'), in that order of increasing precedence. A config file that
// does not exist is ignored.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Keys without a default are unknown to Unmarshal unless bound explicitly.
	for _, key := range []string{"certview.auth_url", "certview.auth_payload", "database.url"} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CertView.Timeout = time.Duration(cfg.CertView.TimeoutSecs) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/certview.db")

	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("certview.base_url", "https://gateway.qg1.apps.qualys.com")
	v.SetDefault("certview.list_endpoint", "/certview/v2/certificates/list")
	v.SetDefault("certview.timeout_secs", 60)
	v.SetDefault("certview.page_size", 50)

	v.SetDefault("sync.interval", "yearly")
	v.SetDefault("sync.stop_join_timeout", "5s")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case StorageBackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %q (must be 'sqlite' or 'postgres')", c.Storage.Backend)
	}

	if c.CertView.AuthURL == "" {
		return fmt.Errorf("certview.auth_url is required")
	}

	switch c.Sync.Interval {
	case "daily", "monthly", "yearly":
	default:
		return fmt.Errorf("invalid sync.interval: %q (must be daily, monthly, or yearly)", c.Sync.Interval)
	}

	if c.CertView.PageSize <= 0 {
		return fmt.Errorf("certview.page_size must be positive")
	}

	return nil
}
