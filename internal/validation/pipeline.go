package validation

import (
	"context"

	"log/slog"

	"github.com/cruxid/flowgate/internal/flowstate"
)

// Enroller is the slice of the identity client the pipeline and enrollment
// policy need. *identity.Client satisfies it.
type Enroller interface {
	EnableMFA(ctx context.Context, searchValue, searchKey string) (bool, error)
	RegisterEmailDevice(ctx context.Context, username, emailAddress string) (bool, error)
}

// Pipeline evaluates submitted payloads against the registry and, when any
// validator ran, pre-emptively enables MFA for the retained user so the
// upstream flow enforces it from this submission onward.
type Pipeline struct {
	registry *Registry
	enroller Enroller
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(registry *Registry, enroller Enroller, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		enroller: enroller,
		logger:   logger,
	}
}

// Run executes every applicable validator in registration order against the
// submitted body. The first validation failure aborts the pipeline and is
// returned as-is. The boolean reports whether at least one validator ran,
// which gates the MFA enrollment policy.
func (p *Pipeline) Run(ctx context.Context, retained flowstate.Attributes, body []byte) (bool, error) {
	payload := flowstate.UnwrapRequest(body)

	validated := false
	for _, v := range p.registry.Validators() {
		if !v.Applicable(payload) {
			continue
		}
		validated = true

		p.logger.Debug("running validator", "validator", v.Info())
		if err := v.Validate(retained, payload); err != nil {
			return validated, err
		}
	}

	if validated {
		if _, err := p.enroller.EnableMFA(ctx, retained["username"], "username"); err != nil {
			return validated, err
		}
	}

	return validated, nil
}
