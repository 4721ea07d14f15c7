// Package validation runs registered validators over submitted flow payloads
// and drives the email-MFA enrollment decisions taken around the proxied
// submission.
package validation

import (
	"strings"

	gwerrors "github.com/cruxid/flowgate/internal/errors"
	"github.com/cruxid/flowgate/internal/flowstate"
)

// Validator is one registered validation unit. A validator is applicable when
// the submitted payload (already unwrapped from its envelope) contains the
// attribute it governs.
type Validator interface {
	Applicable(payload map[string]interface{}) bool
	Validate(retained flowstate.Attributes, payload map[string]interface{}) error
	Info() string
}

// invoiceNumberValidator checks that a submitted invoice number belongs to
// the registered user: the value must contain the local part of the retained
// email address.
type invoiceNumberValidator struct {
	attribute string
}

// NewInvoiceNumberValidator creates the invoice_number validator for the
// given payload attribute.
func NewInvoiceNumberValidator(attribute string) Validator {
	return &invoiceNumberValidator{attribute: attribute}
}

func (v *invoiceNumberValidator) Info() string {
	return "invoice_number(" + v.attribute + ")"
}

func (v *invoiceNumberValidator) Applicable(payload map[string]interface{}) bool {
	_, ok := payload[v.attribute]
	return ok
}

func (v *invoiceNumberValidator) Validate(retained flowstate.Attributes, payload map[string]interface{}) error {
	raw, ok := payload[v.attribute]
	if !ok {
		return &gwerrors.ValidationError{
			Target:          v.attribute,
			Code:            "BAD_CONFIG",
			Message:         "Missing Invoice Number",
			DetailedCode:    "BAD_CONFIG",
			DetailedMessage: "Missing Invoice Number",
		}
	}

	email, ok := retained["email"]
	if !ok || !strings.Contains(email, "@") {
		return &gwerrors.ValidationError{
			Target:          v.attribute,
			Code:            "BAD_CONFIG",
			Message:         "Missing registered email address",
			DetailedCode:    "BAD_CONFIG",
			DetailedMessage: "Missing registered email address",
		}
	}

	localPart := email[:strings.Index(email, "@")]
	if !strings.Contains(flowstate.ValueString(raw), localPart) {
		return &gwerrors.ValidationError{
			Target:          v.attribute,
			Code:            "BAD_INVOICE",
			Message:         "Invoice does not match the registered user",
			DetailedCode:    "BAD_INVOICE",
			DetailedMessage: "Invoice does not match the registered user",
		}
	}

	return nil
}

// matchRetainedValidator checks that a submitted attribute matches a value
// already retained for this flow, case-insensitively.
type matchRetainedValidator struct {
	attribute      string
	matchAttribute string
}

// NewMatchRetainedValidator creates the match_retained validator comparing
// the submitted attribute against the named retained attribute.
func NewMatchRetainedValidator(attribute, matchAttribute string) Validator {
	return &matchRetainedValidator{attribute: attribute, matchAttribute: matchAttribute}
}

func (v *matchRetainedValidator) Info() string {
	return "match_retained(" + v.attribute + "=" + v.matchAttribute + ")"
}

func (v *matchRetainedValidator) Applicable(payload map[string]interface{}) bool {
	_, ok := payload[v.attribute]
	return ok
}

func (v *matchRetainedValidator) Validate(retained flowstate.Attributes, payload map[string]interface{}) error {
	expected, ok := retained[v.matchAttribute]
	if !ok {
		return &gwerrors.ValidationError{
			Target:          v.attribute,
			Code:            "BAD_CONFIG",
			Message:         "No retained value to match against",
			DetailedCode:    "BAD_CONFIG",
			DetailedMessage: "Flow has no retained " + v.matchAttribute + " value",
		}
	}

	submitted := flowstate.ValueString(payload[v.attribute])
	if !strings.EqualFold(submitted, expected) {
		return &gwerrors.ValidationError{
			Target:          v.attribute,
			Code:            "INVALID_DATA",
			Message:         "Submitted value does not match the registered user",
			DetailedCode:    "INVALID_VALUE",
			DetailedMessage: "Submitted " + v.attribute + " does not match the retained value",
		}
	}

	return nil
}
