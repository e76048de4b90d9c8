// Package config loads the provider settings: NUVII_ environment overrides,
// YAML file, and defaults, in that order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all client configuration.
type Config struct {
	// Sync pair. Both are required; absent values prevent engine start.
	ServerPath string `mapstructure:"server_path"`
	ClientPath string `mapstructure:"client_path"`

	// Sync-root identity registered with the shell.
	ProviderID   string `mapstructure:"provider_id"`
	AccountName  string `mapstructure:"account_name"`
	DisplayName  string `mapstructure:"display_name"`
	IconResource string `mapstructure:"icon_resource"`
	Version      string `mapstructure:"version"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics endpoint; empty disables the listener.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Engine tuning
	Debounce       time.Duration `mapstructure:"debounce"`
	MoveWindow     time.Duration `mapstructure:"move_window"`
	SuppressionTTL time.Duration `mapstructure:"suppression_ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`

	// Remote change feed: "watch" observes the server directory, "sse"
	// consumes the push stream.
	Feed FeedConfig `mapstructure:"feed"`

	// Server content backend: "local" or "s3".
	Storage StorageConfig `mapstructure:"storage"`
}

// FeedConfig selects the remote change feed.
type FeedConfig struct {
	Mode  string `mapstructure:"mode"`
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// StorageConfig selects the server content backend.
type StorageConfig struct {
	Backend string   `mapstructure:"backend"`
	S3      S3Config `mapstructure:"s3"`
}

// S3Config holds S3 backend settings.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so environment-only values are seen
	// by Unmarshal.
	v.SetDefault("server_path", "")
	v.SetDefault("client_path", "")
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.token", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("provider_id", "NuviiSync")
	v.SetDefault("account_name", "NuviiAccount")
	v.SetDefault("display_name", "Nuvii Sync")
	v.SetDefault("icon_resource", "%SystemRoot%\\system32\\imageres.dll,-1043")
	v.SetDefault("version", "1.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("debounce", 3*time.Second)
	v.SetDefault("move_window", 5*time.Second)
	v.SetDefault("suppression_ttl", 5*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("feed.mode", "watch")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.s3.region", "us-east-1")
}

// Load reads configuration from the given file (optional) and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NUVII")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the engine cannot start without.
func (c *Config) Validate() error {
	if c.ServerPath == "" {
		return fmt.Errorf("server_path is required")
	}
	if c.ClientPath == "" {
		return fmt.Errorf("client_path is required")
	}
	if !filepath.IsAbs(c.ServerPath) {
		return fmt.Errorf("server_path %q must be absolute", c.ServerPath)
	}
	if !filepath.IsAbs(c.ClientPath) {
		return fmt.Errorf("client_path %q must be absolute", c.ClientPath)
	}

	switch c.Feed.Mode {
	case "watch":
	case "sse":
		if c.Feed.URL == "" {
			return fmt.Errorf("feed.url is required for the sse feed")
		}
	default:
		return fmt.Errorf("unknown feed.mode %q", c.Feed.Mode)
	}

	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	return nil
}
