package validation

import (
	"context"
	"net/http"
	"strings"

	"log/slog"

	"github.com/cruxid/flowgate/internal/flowstate"
)

// emailAttribute is the retained attribute holding the account's primary
// email. The upstream convention is that the username IS the email.
const emailAttribute = "username"

// MFAPolicy decides when to register an email MFA device for the flow's
// user. The pre- and post-submission rules are deliberately asymmetric: the
// decision tables below evolved against real flows and the precedence order
// is behaviorally significant, so they are kept verbatim rather than merged.
type MFAPolicy struct {
	enroller     Enroller
	mfaAttribute string
	logger       *slog.Logger
}

// NewMFAPolicy creates an MFAPolicy for the configured MFA attribute name.
func NewMFAPolicy(enroller Enroller, mfaAttribute string, logger *slog.Logger) *MFAPolicy {
	return &MFAPolicy{
		enroller:     enroller,
		mfaAttribute: mfaAttribute,
		logger:       logger,
	}
}

// PreSubmission runs before the submission is proxied upstream. Enrolling
// here means the user must complete MFA during this very flow, so it only
// happens when a distinct, unverified address is on file. An enrollment
// failure fails the request: the submission has not gone upstream yet and a
// half-configured account must not proceed.
func (p *MFAPolicy) PreSubmission(ctx context.Context, validated bool, retained flowstate.Attributes) error {
	if !validated {
		return nil
	}

	if p.mfaAttribute == emailAttribute {
		p.logger.Debug("skipping pre-submission enrollment: mfa attribute is the email attribute, already verified")
		return nil
	}

	email, hasEmail := retained[emailAttribute]
	if !hasEmail {
		p.logger.Debug("skipping pre-submission enrollment: no retained email attribute")
		return nil
	}

	mfaValue, hasMFA := retained[p.mfaAttribute]
	if !hasMFA {
		p.logger.Debug("skipping pre-submission enrollment: no retained mfa attribute")
		return nil
	}

	if strings.EqualFold(email, mfaValue) {
		p.logger.Debug("skipping pre-submission enrollment: mfa address equals email, already verified")
		return nil
	}

	_, err := p.enroller.RegisterEmailDevice(ctx, retained[emailAttribute], mfaValue)
	return err
}

// PostSubmission runs after the upstream call, only when validation ran and
// the upstream accepted the submission with a 200. Enrollment failures here
// are logged and swallowed: the upstream call already succeeded and its
// response must reach the caller intact.
//
// The precedence order decides which address gets registered:
//  1. mfa attribute name is the email attribute: enroll the email value;
//  2. both values present and equal (case-insensitive): enroll the email;
//  3. only the email present: enroll it;
//  4. only the mfa value present: enroll it;
//  5. neither present: do nothing.
func (p *MFAPolicy) PostSubmission(ctx context.Context, statusCode int, validated bool, retained flowstate.Attributes) {
	if !validated || statusCode != http.StatusOK {
		return
	}

	email, hasEmail := retained[emailAttribute]
	mfaValue, hasMFA := retained[p.mfaAttribute]

	var address string
	switch {
	case p.mfaAttribute == emailAttribute:
		address = email
	case hasEmail && hasMFA && strings.EqualFold(email, mfaValue):
		address = email
	case hasEmail && !hasMFA:
		address = email
	case hasMFA && !hasEmail:
		address = mfaValue
	default:
		return
	}

	if address == "" {
		p.logger.Debug("skipping post-submission enrollment: no address to register")
		return
	}

	if _, err := p.enroller.RegisterEmailDevice(ctx, retained[emailAttribute], address); err != nil {
		p.logger.Error("post-submission mfa enrollment failed", "error", err)
	}
}
