// Package audit provides structured request logging with attribute
// obfuscation and Prometheus metrics for the gateway.
package audit

import (
	"context"
	"encoding/json"
	"sync"

	"log/slog"

	"github.com/cruxid/flowgate/internal/ctxkeys"
	"github.com/cruxid/flowgate/internal/flowstate"
)

// mask replaces obfuscated values in log output.
const mask = "****"

// Logger writes one structured audit line per proxied request. Attribute
// names listed in the obfuscation set are masked wherever they appear in
// logged payloads, at any nesting depth.
type Logger struct {
	slogger *slog.Logger

	mu         sync.RWMutex
	obfuscated map[string]struct{}
}

// NewLogger creates an audit logger masking the given attribute names.
func NewLogger(slogger *slog.Logger, obfuscated []string) *Logger {
	l := &Logger{slogger: slogger}
	l.SetObfuscated(obfuscated)
	return l
}

// SetObfuscated replaces the masked attribute set. Config reload calls this.
func (l *Logger) SetObfuscated(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	l.mu.Lock()
	l.obfuscated = set
	l.mu.Unlock()
}

func (l *Logger) isMasked(name string) bool {
	l.mu.RLock()
	_, ok := l.obfuscated[name]
	l.mu.RUnlock()
	return ok
}

// ObfuscateBody renders a JSON body for logging with masked values replaced.
// Non-JSON bodies are returned unchanged; they cannot carry named attributes.
func (l *Logger) ObfuscateBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}

	l.maskMap(payload)

	out, err := json.Marshal(payload)
	if err != nil {
		return string(body)
	}
	return string(out)
}

// maskMap walks a decoded JSON object and masks matching keys in place,
// descending into nested objects and arrays.
func (l *Logger) maskMap(m map[string]interface{}) {
	for k, v := range m {
		if l.isMasked(k) {
			m[k] = mask
			continue
		}
		switch child := v.(type) {
		case map[string]interface{}:
			l.maskMap(child)
		case []interface{}:
			for _, item := range child {
				if obj, ok := item.(map[string]interface{}); ok {
					l.maskMap(obj)
				}
			}
		}
	}
}

// ObfuscateAttributes returns a copy of the retained attributes with masked
// values replaced. The input is never modified.
func (l *Logger) ObfuscateAttributes(attrs flowstate.Attributes) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if l.isMasked(k) {
			out[k] = mask
		} else {
			out[k] = v
		}
	}
	return out
}

// LogRequest logs the audit entry accumulated in the request context.
func (l *Logger) LogRequest(ctx context.Context) {
	entry, ok := ctxkeys.AuditEntryFrom(ctx)
	if !ok {
		return
	}

	l.slogger.LogAttrs(ctx, slog.LevelInfo, "request",
		slog.String("route", entry.Route),
		slog.String("method", entry.Method),
		slog.String("path", entry.Path),
		slog.String("client_ip", entry.ClientIP),
		slog.String("flow_id", entry.FlowID),
		slog.Int("status", entry.Status),
		slog.Bool("validated", entry.Validated),
		slog.Int64("upstream_ms", entry.UpstreamMillis),
		slog.Time("start_time", entry.StartTime),
	)
}
