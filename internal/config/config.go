// Package config handles ninchat-go configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ninchat.yaml, ~/.config/ninchat-go/config.yaml, /etc/ninchat-go/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ninchat.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ninchat-go", "config.yaml"))
	}

	paths = append(paths, "/etc/ninchat-go/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds the settings a session engine needs beyond what's
// passed explicitly to New: connection defaults, retry policy, and
// where to find the schema bundle used for outgoing action
// validation.
type Config struct {
	// ServerHost is the default ninchat server to connect to, e.g.
	// "api.ninchat.com". A session created without an explicit server
	// host uses this one.
	ServerHost string `yaml:"server_host"`

	// RetryCount is how many times in total an unacknowledged action is
	// sent (first send included) before being abandoned. Matches the
	// original client's default of 3.
	RetryCount int `yaml:"retry_count"`

	// RetryTimeoutSec is how long to wait for an acknowledgment before
	// resending, in seconds. Matches the original client's default of 15.
	RetryTimeoutSec int `yaml:"retry_timeout_sec"`

	// SchemaBundlePath names a directory containing actions.json and
	// paramtypes.json. It is parsed from the config file but nothing in
	// this module reads it: sessions built by the example CLI always
	// validate against the bundle embedded in internal/actionspec.
	SchemaBundlePath string `yaml:"schema_bundle_path"`

	// LogLevel controls the verbosity of the session engine's
	// structured logging: trace, debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls the connectivity watcher's probe schedule for
// server_host reachability. The watcher only reports reachability; the
// session's own reconnects are driven by the engine, not by this policy.
type BackoffConfig struct {
	InitialDelaySec int     `yaml:"initial_delay_sec"`
	MaxDelaySec     int     `yaml:"max_delay_sec"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxRetries      int     `yaml:"max_retries"`
	PollIntervalSec int     `yaml:"poll_interval_sec"`
}

// RetryTimeout returns RetryTimeoutSec as a time.Duration.
func (c *Config) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${NINCHAT_SERVER_HOST}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.ServerHost == "" {
		c.ServerHost = "api.ninchat.com"
	}
	if c.RetryCount == 0 {
		c.RetryCount = 3
	}
	if c.RetryTimeoutSec == 0 {
		c.RetryTimeoutSec = 15
	}
	if c.Backoff.InitialDelaySec == 0 {
		c.Backoff.InitialDelaySec = 2
	}
	if c.Backoff.MaxDelaySec == 0 {
		c.Backoff.MaxDelaySec = 60
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = 2.0
	}
	if c.Backoff.MaxRetries == 0 {
		c.Backoff.MaxRetries = 10
	}
	if c.Backoff.PollIntervalSec == 0 {
		c.Backoff.PollIntervalSec = 60
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.RetryCount < 1 {
		return fmt.Errorf("retry_count %d must be at least 1", c.RetryCount)
	}
	if c.RetryTimeoutSec < 1 {
		return fmt.Errorf("retry_timeout_sec %d must be at least 1", c.RetryTimeoutSec)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Backoff.MaxDelaySec < c.Backoff.InitialDelaySec {
		return fmt.Errorf("backoff.max_delay_sec %d must be >= backoff.initial_delay_sec %d", c.Backoff.MaxDelaySec, c.Backoff.InitialDelaySec)
	}
	return nil
}

// Default returns a default configuration with all defaults applied,
// including the default server host "api.ninchat.com".
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
