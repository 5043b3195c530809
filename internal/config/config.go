// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Storage StorageConfig `mapstructure:"storage"`
	Browser BrowserConfig `mapstructure:"browser"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// JobsConfig governs admission, timeouts and retention.
type JobsConfig struct {
	MaxConcurrent        int `mapstructure:"max_concurrent"`
	TimeoutSeconds       int `mapstructure:"timeout_seconds"`
	RetentionSeconds     int `mapstructure:"retention_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// FetchConfig tunes the fetch engine.
type FetchConfig struct {
	PagesPerWorker  int     `mapstructure:"pages_per_worker"`
	MaxWorkers      int     `mapstructure:"max_workers"`
	ParallelEnabled bool    `mapstructure:"parallel_enabled"`
	MaxFailedRatio  float64 `mapstructure:"max_failed_ratio"`
	MaxSeriesWorks  int     `mapstructure:"max_series_works"`
}

// StorageConfig sets where artifacts are written.
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// BrowserConfig configures headless Chrome sessions.
type BrowserConfig struct {
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	MaxSessions       int     `mapstructure:"max_sessions"`
	OriginRPS         float64 `mapstructure:"origin_rps"`
	ExecPath          string  `mapstructure:"exec_path"`
	Headless          bool    `mapstructure:"headless"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// envAliases are the unprefixed names deployments already use.
var envAliases = map[string][]string{
	"server.port":            {"SERIALFETCH_SERVER_PORT", "PORT"},
	"jobs.max_concurrent":    {"SERIALFETCH_JOBS_MAX_CONCURRENT", "MAX_CONCURRENT_JOBS"},
	"jobs.timeout_seconds":   {"SERIALFETCH_JOBS_TIMEOUT_SECONDS", "JOB_TIMEOUT_SECONDS"},
	"jobs.retention_seconds": {"SERIALFETCH_JOBS_RETENTION_SECONDS", "JOB_RETENTION_SECONDS"},
	"fetch.pages_per_worker": {"SERIALFETCH_FETCH_PAGES_PER_WORKER", "PAGES_PER_WORKER"},
	"fetch.max_workers":      {"SERIALFETCH_FETCH_MAX_WORKERS", "MAX_WORKERS"},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SERIALFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("jobs.max_concurrent", 3)
	v.SetDefault("jobs.timeout_seconds", 45*60)
	v.SetDefault("jobs.retention_seconds", 10*60)
	v.SetDefault("jobs.sweep_interval_seconds", 5*60)
	v.SetDefault("fetch.pages_per_worker", 15)
	v.SetDefault("fetch.max_workers", 2)
	v.SetDefault("fetch.parallel_enabled", true)
	v.SetDefault("fetch.max_failed_ratio", 1.0)
	v.SetDefault("fetch.max_series_works", 50)
	v.SetDefault("storage.dir", "/tmp/serialfetch")
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.max_sessions", 8)
	v.SetDefault("browser.origin_rps", 1.0)
	v.SetDefault("browser.headless", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	}
	if c.Jobs.TimeoutSeconds <= 0 {
		return fmt.Errorf("jobs.timeout_seconds must be > 0")
	}
	if c.Jobs.RetentionSeconds <= 0 {
		return fmt.Errorf("jobs.retention_seconds must be > 0")
	}
	if c.Jobs.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("jobs.sweep_interval_seconds must be > 0")
	}
	if c.Fetch.PagesPerWorker <= 0 {
		return fmt.Errorf("fetch.pages_per_worker must be > 0")
	}
	if c.Fetch.MaxWorkers <= 0 {
		return fmt.Errorf("fetch.max_workers must be > 0")
	}
	if c.Fetch.MaxFailedRatio < 0 || c.Fetch.MaxFailedRatio > 1 {
		return fmt.Errorf("fetch.max_failed_ratio must be within [0, 1]")
	}
	if c.Fetch.MaxSeriesWorks <= 0 {
		return fmt.Errorf("fetch.max_series_works must be > 0")
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0")
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Browser.OriginRPS < 0 {
		return fmt.Errorf("browser.origin_rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// JobTimeout is the hard per-job execution budget.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// Retention is how long finished jobs stay retrievable.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionSeconds) * time.Second
}

// SweepInterval is the retention sweep period.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Jobs.SweepIntervalSeconds) * time.Second
}

// NavTimeout bounds a single browser navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}
