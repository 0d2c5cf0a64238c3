package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gookit/validate"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded config fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root configuration.
type Config struct {
	Organization OrganizationConfig `yaml:"organization"`
	Codeforces   CodeforcesConfig   `yaml:"codeforces"`
	Database     DatabaseConfig     `yaml:"database"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Cache        CacheConfig        `yaml:"cache"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	// Timezone is an IANA name used for last_update_time and the
	// this-month/this-week/today statistics windows.
	Timezone string `yaml:"timezone"`
}

// OrganizationConfig identifies the tracked organization.
type OrganizationConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`
}

// CodeforcesConfig configures the upstream client.
type CodeforcesConfig struct {
	APIBaseURL        string      `yaml:"api_base_url" validate:"required"`
	WebBaseURL        string      `yaml:"web_base_url" validate:"required"`
	Workers           int         `yaml:"workers" validate:"required|min:1|max:4"`
	RequestsPerSecond float64     `yaml:"requests_per_second" validate:"required"`
	RequestTimeout    string      `yaml:"request_timeout"`
	Retry             RetryConfig `yaml:"retry"`
}

// ParseRequestTimeout returns the per-request timeout. Zero disables it.
func (c CodeforcesConfig) ParseRequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeout, 30*time.Second)
}

// RetryConfig controls how transient upstream failures are retried.
// MaxAttempts 0 means retry until the deadline (or forever without one).
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Deadline       string  `yaml:"deadline"`
}

// ParseInitialBackoff returns the first retry delay.
func (r RetryConfig) ParseInitialBackoff() time.Duration {
	return parseDuration(r.InitialBackoff, time.Second)
}

// ParseMaxBackoff returns the retry delay ceiling.
func (r RetryConfig) ParseMaxBackoff() time.Duration {
	return parseDuration(r.MaxBackoff, time.Minute)
}

// ParseDeadline returns the overall retry deadline per fetch. Zero means none.
func (r RetryConfig) ParseDeadline() time.Duration {
	return parseDuration(r.Deadline, 0)
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ScheduleConfig configures the refresh cycle.
type ScheduleConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
	RunOnStart      bool   `yaml:"run_on_start"`
}

// ParseRefreshInterval returns the refresh interval as time.Duration.
func (s ScheduleConfig) ParseRefreshInterval() time.Duration {
	return parseDuration(s.RefreshInterval, 12*time.Hour)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" validate:"required|min:1|max:65535"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" validate:"required|in:trace,debug,info,warn,error"`
	Format string `yaml:"format" validate:"in:json,console"`
}

// CacheConfig configures the statistics response cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	SizeMB  int    `yaml:"size_mb"`
	TTL     string `yaml:"ttl"`
}

// ParseTTL returns the cache entry lifetime.
func (c CacheConfig) ParseTTL() time.Duration {
	return parseDuration(c.TTL, 10*time.Minute)
}

// AlertsConfig configures cycle-outcome notifications.
type AlertsConfig struct {
	NotifySuccess bool          `yaml:"notify_success"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Codeforces: CodeforcesConfig{
			APIBaseURL:        "https://codeforces.com/api",
			WebBaseURL:        "https://codeforces.com",
			Workers:           4,
			RequestsPerSecond: 5,
			RequestTimeout:    "30s",
			Retry: RetryConfig{
				MaxAttempts:    0,
				InitialBackoff: "1s",
				Multiplier:     1,
				MaxBackoff:     "1m",
			},
		},
		Database: DatabaseConfig{Path: "./cforg.db"},
		Schedule: ScheduleConfig{
			RefreshInterval: "12h",
			RunOnStart:      true,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			Enabled: true,
			SizeMB:  32,
			TTL:     "10m",
		},
		Timezone: "Asia/Kolkata",
	}
}

// Load reads .env, then the YAML file, then applies env var overrides and validates.
func Load(path string) (*Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and the timezone name.
func (c *Config) Validate() error {
	sections := []any{
		&c.Organization,
		&c.Codeforces,
		&c.Database,
		&c.Server,
		&c.Log,
	}
	for _, s := range sections {
		v := validate.Struct(s)
		if !v.Validate() {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, v.Errors.One())
		}
	}
	if c.Codeforces.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: codeforces.requests_per_second must be > 0", ErrInvalidConfig)
	}
	// LoadLocation("") is UTC, so an empty name has to be rejected here.
	if c.Timezone == "" {
		return fmt.Errorf("%w: timezone is required", ErrInvalidConfig)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, c.Timezone, err)
	}
	if c.Codeforces.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CFORG_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CFORG_ORG_ID"); v != "" {
		cfg.Organization.ID = v
	}
	if v := os.Getenv("CFORG_ORG_NAME"); v != "" {
		cfg.Organization.Name = v
	}
	if v := os.Getenv("CFORG_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("CFORG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CFORG_REFRESH_INTERVAL"); v != "" {
		cfg.Schedule.RefreshInterval = v
	}
	if v := os.Getenv("CFORG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
