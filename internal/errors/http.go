package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// apiErrorContentType matches the upstream flow API's own error rendering so
// that browser-side flow libraries parse gateway errors the same way.
const apiErrorContentType = "application/hal+json;charset=UTF-8"

// APIErrorBody is the fixed error envelope returned on validation and
// business errors.
type APIErrorBody struct {
	ID      string           `json:"id"`
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Details []APIErrorDetail `json:"details"`
}

// APIErrorDetail is a single detail entry in the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// WriteAPIError renders err as the fixed HTTP 400 error envelope. Validation
// errors carry their detail set verbatim; encryption errors render as an
// invalid-flow-state business error; anything else renders as the generic
// unknown-issue body so internal diagnostics never leak to the caller.
func WriteAPIError(w http.ResponseWriter, err error) {
	body := APIErrorBody{ID: uuid.NewString()}

	var verr *ValidationError
	var eerr *EncryptionError
	var ierr *IdentityServiceError

	switch {
	case errors.As(err, &verr):
		body.Code = verr.Code
		body.Message = verr.Message
		body.Details = []APIErrorDetail{{
			Code:    verr.DetailedCode,
			Target:  verr.Target,
			Message: verr.DetailedMessage,
		}}
	case errors.As(err, &eerr):
		body.Code = "INVALID_DATA"
		body.Message = "Invalid flow state"
		body.Details = []APIErrorDetail{{
			Code:    "INVALID_VALUE",
			Target:  "flowId",
			Message: "Flow state could not be read for this flow",
		}}
	case errors.As(err, &ierr):
		body.Code = ierr.Code
		body.Message = ierr.Message
		body.Details = []APIErrorDetail{{
			Code:    ierr.Code,
			Target:  ierr.Target,
			Message: ierr.Message,
		}}
	default:
		body.Code = "UNKNOWN"
		body.Message = "Unknown issue. Please contact support"
		body.Details = []APIErrorDetail{{
			Code:    "UNKNOWN",
			Target:  "request",
			Message: "Unknown issue. Please contact support",
		}}
	}

	w.Header().Set("Content-Type", apiErrorContentType)
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(body)
}

// WriteRateLimited renders the 429 response used by the rate limiting
// middleware, in the same envelope shape as other gateway errors.
func WriteRateLimited(w http.ResponseWriter) {
	body := APIErrorBody{
		ID:      uuid.NewString(),
		Code:    "RATE_LIMITED",
		Message: "Too many requests",
		Details: []APIErrorDetail{{
			Code:    "RATE_LIMITED",
			Target:  "request",
			Message: "Too many requests. Retry later",
		}},
	}

	w.Header().Set("Content-Type", apiErrorContentType)
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(body)
}
