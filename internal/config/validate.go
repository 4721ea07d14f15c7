package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// knownValidatorTypes lists the validator type tags the registry can build.
var knownValidatorTypes = map[string]bool{
	"invoice_number": true,
	"match_retained": true,
}

// Validate checks the configuration for errors. It collects ALL errors
// rather than stopping at the first one, returning them as a joined message.
func Validate(cfg *Config) error {
	var errs []string

	// ── Upstream ──
	if cfg.Upstream.AuthHost == "" {
		errs = append(errs, "upstream.auth_host is required")
	}
	if cfg.Upstream.APIHost == "" {
		errs = append(errs, "upstream.api_host is required")
	}
	if cfg.Upstream.EnvironmentID == "" {
		errs = append(errs, "upstream.environment_id is required")
	}
	for _, host := range []string{cfg.Upstream.AuthHost, cfg.Upstream.APIHost} {
		if strings.Contains(host, "://") || strings.Contains(host, "/") {
			errs = append(errs, fmt.Sprintf("upstream hosts must be bare host names, got %q", host))
		}
	}

	// ── Worker ──
	if cfg.Worker.ClientID == "" {
		errs = append(errs, "worker.client_id is required")
	}
	if cfg.Worker.ClientSecret == "" {
		errs = append(errs, "worker.client_secret is required")
	}

	// ── Retain ──
	if cfg.Retain.EncryptionJWK == "" {
		errs = append(errs, "retain.encryption_jwk is required")
	} else if !json.Valid([]byte(cfg.Retain.EncryptionJWK)) {
		errs = append(errs, "retain.encryption_jwk must be a JSON-formatted JWK")
	}
	for i, key := range cfg.Retain.LookupKeys {
		if !contains(cfg.Retain.Claims, key) && key != usernameAttribute {
			errs = append(errs, fmt.Sprintf("retain.lookup_keys[%d]: %q is not a retained claim", i, key))
		}
	}

	// ── MFA ──
	// The MFA attribute must itself be retainable or nothing will ever be
	// enrolled from it.
	if cfg.MFA.AttributeName != usernameAttribute && !contains(cfg.Retain.Claims, cfg.MFA.AttributeName) {
		errs = append(errs, fmt.Sprintf("mfa.attribute_name %q is not a retained claim", cfg.MFA.AttributeName))
	}

	// ── Validators ──
	for i, v := range cfg.Validators {
		if !knownValidatorTypes[v.Type] {
			errs = append(errs, fmt.Sprintf("validators[%d]: unknown type %q", i, v.Type))
		}
		if v.Attribute == "" {
			errs = append(errs, fmt.Sprintf("validators[%d]: attribute is required", i))
		}
		if v.Type == "match_retained" && v.MatchAttribute == "" {
			errs = append(errs, fmt.Sprintf("validators[%d]: match_attribute is required for match_retained", i))
		}
	}

	// ── Listen ──
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 1-65535 (got %d)", cfg.Listen.Port))
	}
	if cfg.Listen.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_connections must be positive (got %d)", cfg.Listen.MaxConnections))
	}

	// ── Logging ──
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be debug, info, warn, or error (got %q)", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be json or text (got %q)", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
