package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	DefaultListen         = "127.0.0.1:8080"
	DefaultEndpoint       = "https://github-contributions-api.jogruber.de/v4"
	DefaultCacheDuration  = 5 * time.Minute
	DefaultRequestTimeout = 10 * time.Second
	DefaultRefreshCron    = "*/30 * * * *"
	DefaultSessionIdle    = 10 * time.Minute
	DefaultTimezone       = "UTC"
	DefaultLogLevel       = "info"

	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 5 * time.Second
)

// Environment variables that override the file. A .env file in the
// working directory is loaded by main before Load runs.
const (
	EnvUsername = "CONTRIBFEED_USERNAME"
	EnvEndpoint = "CONTRIBFEED_ENDPOINT"
	EnvPort     = "PORT"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-[A-Za-z0-9]){0,38}$`)

// RetryConfig controls automatic retries of a failed upstream fetch.
type RetryConfig struct {
	// MaxAttempts counts the first request. 1 disables automatic retry and
	// leaves recovery to the viewer's manual refresh.
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the graph page and API.
	Listen string `yaml:"listen" json:"listen"`

	// Username is the GitHub account whose contributions are shown.
	Username string `yaml:"username" json:"username"`

	// Endpoint is the base URL of the contributions API; requests go to
	// {Endpoint}/{Username}?y={year}.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Years lists the selectable years. Empty means the two most recent
	// calendar years in Timezone.
	Years []int `yaml:"years" json:"years"`

	// CacheDuration is the freshness window of a cached year.
	CacheDuration time.Duration `yaml:"cache_duration" json:"cache_duration"`

	// RequestTimeout bounds a single upstream request.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	Retry RetryConfig `yaml:"retry" json:"retry"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// for background cache warm-up. Empty disables it.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// SessionIdle is how long a viewer session may go untouched before
	// it is torn down.
	SessionIdle time.Duration `yaml:"session_idle" json:"session_idle"`

	// Timezone is the IANA zone used for "current year" and cron.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         DefaultListen,
		Endpoint:       DefaultEndpoint,
		Years:          []int{},
		CacheDuration:  DefaultCacheDuration,
		RequestTimeout: DefaultRequestTimeout,
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		RefreshCron: DefaultRefreshCron,
		SessionIdle: DefaultSessionIdle,
		Timezone:    DefaultTimezone,
		LogLevel:    DefaultLogLevel,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Years == nil {
		c.Years = []int{}
	}
	if c.CacheDuration <= 0 {
		c.CacheDuration = DefaultCacheDuration
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultBaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = max(DefaultMaxDelay, c.Retry.BaseDelay)
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = DefaultSessionIdle
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// ApplyEnv overlays environment overrides on top of the file values.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvUsername)); v != "" {
		c.Username = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		c.Endpoint = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		c.Listen = ":" + v
	}
}

// Validate reports settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required (set it in the config file or %s)", EnvUsername)
	}
	if !usernamePattern.MatchString(c.Username) {
		return fmt.Errorf("invalid GitHub username %q", c.Username)
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	for _, y := range c.Years {
		if y < 2008 || y > 9999 {
			return fmt.Errorf("year %d out of range", y)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
			return fmt.Errorf("refresh schedule %q: %w", c.RefreshCron, err)
		}
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SelectableYears returns the configured years in ascending order without
// duplicates, or the two most recent years relative to now.
func (c *Config) SelectableYears(now time.Time) []int {
	if len(c.Years) == 0 {
		y := now.In(c.Location()).Year()
		return []int{y - 1, y}
	}
	years := slices.Clone(c.Years)
	slices.Sort(years)
	return slices.Compact(years)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".contribfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
