// Package errors defines the flowgate error taxonomy. Errors fall into four
// families: flow-state encryption failures, request validation failures,
// malformed upstream responses, and identity-service call failures. The first
// two are always caller-visible; the last two depend on where they occur.
package errors

import "fmt"

// EncryptionError reports a failure creating or reading an encrypted flow
// token, including a subject/flow mismatch. A malformed or replayed cookie is
// indistinguishable from tampering, so these always surface as a business
// error to the caller.
type EncryptionError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flow state encryption: %s: %v", e.Message, e.Err)
	}
	return "flow state encryption: " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *EncryptionError) Unwrap() error { return e.Err }

// NewEncryptionError wraps err with a message describing the failed operation.
func NewEncryptionError(message string, err error) *EncryptionError {
	return &EncryptionError{Message: message, Err: err}
}

// ValidationError is raised by a validator rejecting a submitted payload.
// It carries the full detail set rendered verbatim in the API error body.
type ValidationError struct {
	Target          string
	Code            string
	Message         string
	DetailedCode    string
	DetailedMessage string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: [%s] %s", e.Target, e.Code, e.Message)
}

// UpstreamProtocolError reports a structurally invalid upstream response,
// such as a redirect without exactly one Location header or an unsupported
// content encoding. Fatal for the request, never retried.
type UpstreamProtocolError struct {
	Message string
}

// Error implements the error interface.
func (e *UpstreamProtocolError) Error() string {
	return "upstream protocol: " + e.Message
}

// NewUpstreamProtocolError creates an UpstreamProtocolError.
func NewUpstreamProtocolError(format string, args ...any) *UpstreamProtocolError {
	return &UpstreamProtocolError{Message: fmt.Sprintf(format, args...)}
}

// IdentityServiceError reports a failed call against the token endpoint or
// the management API. Message is safe to show to end users; Detail is the
// internal diagnostic and belongs in logs only.
type IdentityServiceError struct {
	Target  string
	Code    string
	Message string
	Detail  string
	Err     error
}

// Error implements the error interface.
func (e *IdentityServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity service: %s: %v", e.Detail, e.Err)
	}
	return "identity service: " + e.Detail
}

// Unwrap returns the underlying cause, if any.
func (e *IdentityServiceError) Unwrap() error { return e.Err }

// NewIdentityServiceError creates an IdentityServiceError with the standard
// user-safe message and the given internal detail.
func NewIdentityServiceError(target, detail string, err error) *IdentityServiceError {
	return &IdentityServiceError{
		Target:  target,
		Code:    "UNKNOWN",
		Message: "Unknown issue. Please contact support",
		Detail:  detail,
		Err:     err,
	}
}
