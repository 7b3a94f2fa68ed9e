// Package config provides configuration management for the credential broker.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the socket directory,
// token storage backend, provider allowlist, refresh cooldown, and timeouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by LoadConfig when the file leaves them unset.
const (
	DefaultRefreshCooldownSeconds = 30
	DefaultSessionTTLSeconds      = 600
	DefaultFrameTimeoutSeconds    = 10
	DefaultRequestTimeoutSeconds  = 60
)

// Config represents the broker's configuration, loaded from a YAML file.
type Config struct {
	// SocketDir is the directory where the broker creates its unix socket.
	// Empty selects the system temporary directory.
	SocketDir string `yaml:"socket-dir" json:"socket-dir"`

	// AuthDir is the directory used by the file-backed token store.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// ProxyURL is the URL of an optional proxy server for outbound
	// provider requests. Supports http, https, and socks5 schemes.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile redirects logs from stdout to rotated files.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir overrides the directory used for log files.
	LogDir string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// Storage selects and configures the token persistence backend.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Providers is the allowlist of providers the broker will serve.
	// Requests naming any other provider are rejected before dispatch.
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// RefreshCooldownSeconds is the minimum interval between successful
	// refreshes for the same provider/bucket pair.
	RefreshCooldownSeconds int `yaml:"refresh-cooldown,omitempty" json:"refresh-cooldown,omitempty"`

	// SessionTTLSeconds bounds the lifetime of an in-flight OAuth session.
	SessionTTLSeconds int `yaml:"session-ttl,omitempty" json:"session-ttl,omitempty"`

	// FrameTimeoutSeconds bounds how long a partial frame may sit on a
	// connection before it is discarded.
	FrameTimeoutSeconds int `yaml:"frame-timeout,omitempty" json:"frame-timeout,omitempty"`

	// RequestTimeoutSeconds is the overall per-request ceiling.
	RequestTimeoutSeconds int `yaml:"request-timeout,omitempty" json:"request-timeout,omitempty"`
}

// StorageConfig selects the token store backend.
type StorageConfig struct {
	// Backend is "file" (default) or "postgres".
	Backend string `yaml:"backend" json:"backend"`

	// Postgres configures the postgres backend when selected.
	Postgres PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
}

// PostgresConfig carries connection settings for the postgres token store.
type PostgresConfig struct {
	DSN   string `yaml:"dsn" json:"dsn"`
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
}

// ProviderConfig declares one allowlisted provider.
type ProviderConfig struct {
	// Name is the provider identifier, e.g. "qwen" or "anthropic".
	Name string `yaml:"name" json:"name"`

	// Buckets is the allowlist of credential slots under this provider.
	// Empty permits only the "default" bucket.
	Buckets []string `yaml:"buckets,omitempty" json:"buckets,omitempty"`

	// APIKeys holds static API keys served by the direct credential
	// operations. These never reach the OAuth paths.
	APIKeys []APIKey `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`
}

// APIKey is a named static API key for a provider.
type APIKey struct {
	Name string `yaml:"name" json:"name"`
	Key  string `yaml:"key" json:"key"`
}

// LoadConfig reads and parses the YAML configuration file at the given path.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	cfg.applyDefaults()
	if cfg.AuthDir != "" {
		abs, errAbs := filepath.Abs(expandHome(cfg.AuthDir))
		if errAbs != nil {
			return nil, fmt.Errorf("config: resolve auth-dir: %w", errAbs)
		}
		cfg.AuthDir = abs
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RefreshCooldownSeconds <= 0 {
		c.RefreshCooldownSeconds = DefaultRefreshCooldownSeconds
	}
	if c.SessionTTLSeconds <= 0 {
		c.SessionTTLSeconds = DefaultSessionTTLSeconds
	}
	if c.FrameTimeoutSeconds <= 0 {
		c.FrameTimeoutSeconds = DefaultFrameTimeoutSeconds
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = "file"
	}
}

// RefreshCooldown returns the cooldown as a duration.
func (c *Config) RefreshCooldown() time.Duration {
	return time.Duration(c.RefreshCooldownSeconds) * time.Second
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// FrameTimeout returns the partial-frame timeout as a duration.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request ceiling as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Provider returns the allowlist entry for the named provider.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	name = strings.TrimSpace(name)
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// AllowsBucket reports whether the named bucket is allowlisted for the
// provider. An empty bucket list permits only "default".
func (p *ProviderConfig) AllowsBucket(bucket string) bool {
	bucket = strings.TrimSpace(bucket)
	if len(p.Buckets) == 0 {
		return bucket == "default"
	}
	for _, b := range p.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// APIKeyByName returns the named key, or the sole configured key when name
// is empty and exactly one key exists.
func (p *ProviderConfig) APIKeyByName(name string) (*APIKey, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		if len(p.APIKeys) == 1 {
			return &p.APIKeys[0], true
		}
		return nil, false
	}
	for i := range p.APIKeys {
		if p.APIKeys[i].Name == name {
			return &p.APIKeys[i], true
		}
	}
	return nil, false
}

// APIKeyNames returns the configured key names in lexicographic order.
func (p *ProviderConfig) APIKeyNames() []string {
	names := make([]string, 0, len(p.APIKeys))
	for i := range p.APIKeys {
		names = append(names, p.APIKeys[i].Name)
	}
	sort.Strings(names)
	return names
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
