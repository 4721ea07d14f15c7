package config

import "time"

// usernameAttribute is the retained attribute naming the account's primary
// email. It doubles as the default MFA attribute and lookup key.
const usernameAttribute = "username"

// ApplyDefaults fills zero-valued fields with their defaults. It is called
// after YAML parsing and before validation.
func ApplyDefaults(cfg *Config) {
	// ── Listen ──
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8443
	}
	if cfg.Listen.MaxConnections == 0 {
		cfg.Listen.MaxConnections = 1000
	}
	if cfg.Listen.TrustedProxies == nil {
		cfg.Listen.TrustedProxies = []string{}
	}

	// ── Retain ──
	if cfg.Retain.Claims == nil {
		cfg.Retain.Claims = []string{}
	}
	if cfg.Retain.LookupKeys == nil {
		cfg.Retain.LookupKeys = []string{usernameAttribute}
	}
	if cfg.Retain.Obfuscate == nil {
		cfg.Retain.Obfuscate = []string{}
	}

	// ── MFA ──
	if cfg.MFA.AttributeName == "" {
		cfg.MFA.AttributeName = usernameAttribute
	}

	// ── CORS ──
	if cfg.CORS.MaxAge == 0 {
		cfg.CORS.MaxAge = 32400 // 9 hours
	}

	// ── Rate limit ──
	if cfg.RateLimit.Global == 0 {
		cfg.RateLimit.Global = 5000
	}
	if cfg.RateLimit.PerIP == 0 {
		cfg.RateLimit.PerIP = 300
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.RateLimit.CleanupInterval.Duration == 0 {
		cfg.RateLimit.CleanupInterval.Duration = 5 * time.Minute
	}

	// ── Logging ──
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// ── Shutdown ──
	if cfg.Shutdown.Timeout.Duration == 0 {
		cfg.Shutdown.Timeout.Duration = 15 * time.Second
	}

	// ── Reload ──
	if cfg.Reload.Debounce.Duration == 0 {
		cfg.Reload.Debounce.Duration = 2 * time.Second
	}
}
