// Package config handles YAML configuration parsing, defaults, and validation
// for the flowgate authentication gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for flowgate.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Upstream   UpstreamConfig    `yaml:"upstream"`
	Worker     WorkerConfig      `yaml:"worker"`
	Retain     RetainConfig      `yaml:"retain"`
	MFA        MFAConfig         `yaml:"mfa"`
	CORS       CORSConfig        `yaml:"cors"`
	Validators []ValidatorConfig `yaml:"validators"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Logging    LoggingConfig     `yaml:"logging"`
	Shutdown   ShutdownConfig    `yaml:"shutdown"`
	Reload     ReloadConfig      `yaml:"reload"`
}

// ListenConfig defines the listener address and connection limits.
type ListenConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxConnections int      `yaml:"max_connections"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// UpstreamConfig identifies the proxied identity provider environment.
// AuthHost serves the flow and authorization APIs; APIHost serves the
// management API used by the worker client.
type UpstreamConfig struct {
	AuthHost      string `yaml:"auth_host"`
	APIHost       string `yaml:"api_host"`
	EnvironmentID string `yaml:"environment_id"`
}

// WorkerConfig holds the OAuth2 client-credentials identity the gateway uses
// for management API calls. ClientSecret supports ${ENV_VAR} expansion.
type WorkerConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// RetainConfig controls which attributes are carried across flow requests in
// the encrypted cookie.
type RetainConfig struct {
	// Claims is the allow-list of attribute names ever retained.
	Claims []string `yaml:"claims"`
	// LookupKeys are attribute names usable to resolve a username via user
	// search when the retained set lacks one.
	LookupKeys []string `yaml:"lookup_keys"`
	// EncryptionJWK is the symmetric oct JWK used for the flow-state JWE.
	// Supports ${ENV_VAR} expansion.
	EncryptionJWK string `yaml:"encryption_jwk"`
	// Obfuscate lists attribute names masked in logs.
	Obfuscate []string `yaml:"obfuscate"`
}

// MFAConfig names the retained attribute holding the email-MFA address.
type MFAConfig struct {
	AttributeName string `yaml:"attribute_name"`
}

// CORSConfig is the gateway-owned CORS policy. The upstream's own
// access-control headers are always stripped.
type CORSConfig struct {
	AllowedOrigin string `yaml:"allowed_origin"`
	MaxAge        int    `yaml:"max_age"`
}

// ValidatorConfig declares one validator instance by registered type tag.
type ValidatorConfig struct {
	Type string `yaml:"type"`
	// Attribute is the submitted payload attribute the validator governs.
	Attribute string `yaml:"attribute"`
	// MatchAttribute is the retained attribute compared against, for
	// validator types that compare two values.
	MatchAttribute string `yaml:"match_attribute"`
}

// RateLimitConfig defines gateway-wide and per-IP request rate limits.
type RateLimitConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Global          int      `yaml:"global"` // requests per minute, gateway-wide
	PerIP           int      `yaml:"per_ip"` // requests per minute per client IP
	Burst           int      `yaml:"burst"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ShutdownConfig controls graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// ReloadConfig controls configuration hot reloading.
type ReloadConfig struct {
	WatchFile bool     `yaml:"watch_file"`
	Debounce  Duration `yaml:"debounce"`
}

// Duration is a time.Duration that supports YAML string parsing (e.g., "60s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Load reads, parses, applies defaults, and validates a configuration file.
// ${ENV_VAR} references in secret-bearing fields are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Worker.ClientSecret = os.ExpandEnv(cfg.Worker.ClientSecret)
	cfg.Retain.EncryptionJWK = os.ExpandEnv(cfg.Retain.EncryptionJWK)

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
