package validation

import (
	"fmt"

	"log/slog"

	"github.com/cruxid/flowgate/internal/config"
)

// Registry is the process-wide ordered validator list. It is populated once
// at startup from configuration and immutable afterwards: requests only read
// it, so no locking is needed.
type Registry struct {
	validators []Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a validator. Startup-only.
func (r *Registry) Register(v Validator) {
	r.validators = append(r.validators, v)
}

// Validators returns the registered validators in registration order.
func (r *Registry) Validators() []Validator {
	return r.validators
}

// BuildRegistry constructs the registry from configuration. Each entry names
// a validator implementation by its type tag; there is no runtime loading by
// class or plugin name.
func BuildRegistry(cfgs []config.ValidatorConfig, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()

	for i, cfg := range cfgs {
		var v Validator
		switch cfg.Type {
		case "invoice_number":
			v = NewInvoiceNumberValidator(cfg.Attribute)
		case "match_retained":
			v = NewMatchRetainedValidator(cfg.Attribute, cfg.MatchAttribute)
		default:
			return nil, fmt.Errorf("validators[%d]: unknown type %q", i, cfg.Type)
		}

		logger.Debug("registering validator", "validator", v.Info())
		registry.Register(v)
	}

	return registry, nil
}
