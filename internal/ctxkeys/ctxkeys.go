// Package ctxkeys defines context keys for passing data through the request
// pipeline. All context keys are unexported to prevent collisions. Use the
// With*/From accessor pairs.
package ctxkeys

import (
	"context"
	"time"
)

type requestMetaKey struct{}
type auditEntryKey struct{}

// RequestMeta holds the routing decision for a proxied request.
type RequestMeta struct {
	Route         string // "authorize", "flow_get", "flow_submit", ...
	FlowID        string
	EnvironmentID string // leading environment segment, if the path carried one
}

// AuditEntry holds audit log data accumulated during request processing.
// Handlers fill it in as the request moves through the pipeline; the audit
// logger reads it once at the end.
type AuditEntry struct {
	Route          string
	Method         string
	Path           string
	ClientIP       string
	FlowID         string
	Status         int
	Validated      bool
	UpstreamMillis int64
	StartTime      time.Time
}

// WithRequestMeta stores RequestMeta in the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom retrieves RequestMeta from the context.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}

// WithAuditEntry stores an AuditEntry pointer in the context.
func WithAuditEntry(ctx context.Context, entry *AuditEntry) context.Context {
	return context.WithValue(ctx, auditEntryKey{}, entry)
}

// AuditEntryFrom retrieves the AuditEntry pointer from the context.
func AuditEntryFrom(ctx context.Context) (*AuditEntry, bool) {
	entry, ok := ctx.Value(auditEntryKey{}).(*AuditEntry)
	return entry, ok
}
