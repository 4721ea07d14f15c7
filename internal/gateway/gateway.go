// Package gateway ties the proxy, flow-state codec, validation pipeline, and
// identity client together into the HTTP surface fronting the upstream
// identity provider.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/cruxid/flowgate/internal/audit"
	"github.com/cruxid/flowgate/internal/ctxkeys"
	gwerrors "github.com/cruxid/flowgate/internal/errors"
	"github.com/cruxid/flowgate/internal/flowstate"
	"github.com/cruxid/flowgate/internal/proxy"
	"github.com/cruxid/flowgate/internal/validation"
)

// UserResolver resolves a username from another retained attribute.
// *identity.Client satisfies it.
type UserResolver interface {
	Username(ctx context.Context, searchValue, searchKey string) (string, error)
}

// Config collects the gateway's collaborators and retained-attribute policy.
type Config struct {
	Forwarder    *proxy.Forwarder
	Codec        *flowstate.Codec
	Pipeline     *validation.Pipeline
	Policy       *validation.MFAPolicy
	Users        UserResolver
	RetainClaims []string
	LookupKeys   []string
	Audit        *audit.Logger
	Metrics      *audit.Metrics
	Logger       *slog.Logger
}

// Gateway is the root HTTP handler.
type Gateway struct {
	forwarder    *proxy.Forwarder
	codec        *flowstate.Codec
	pipeline     *validation.Pipeline
	policy       *validation.MFAPolicy
	users        UserResolver
	retainClaims []string
	lookupKeys   []string
	audit        *audit.Logger
	metrics      *audit.Metrics
	logger       *slog.Logger
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		forwarder:    cfg.Forwarder,
		codec:        cfg.Codec,
		pipeline:     cfg.Pipeline,
		policy:       cfg.Policy,
		users:        cfg.Users,
		retainClaims: cfg.RetainClaims,
		lookupKeys:   cfg.LookupKeys,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// statusWriter captures the status code written to the client for metrics
// and audit logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match := Classify(r)

	entry := &ctxkeys.AuditEntry{
		Route:     string(match.Route),
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  r.RemoteAddr,
		FlowID:    match.FlowID,
		StartTime: time.Now(),
	}
	ctx := ctxkeys.WithAuditEntry(r.Context(), entry)
	ctx = ctxkeys.WithRequestMeta(ctx, ctxkeys.RequestMeta{
		Route:         string(match.Route),
		FlowID:        match.FlowID,
		EnvironmentID: match.EnvironmentID,
	})
	r = r.WithContext(ctx)

	sw := &statusWriter{ResponseWriter: w}

	g.metrics.IncrInFlight()
	defer func() {
		g.metrics.DecrInFlight()
		entry.Status = sw.status
		g.metrics.RecordRequest(string(match.Route), r.Method, sw.status)
		g.metrics.RecordDuration(string(match.Route), time.Since(entry.StartTime))
		g.audit.LogRequest(ctx)
	}()

	var err error
	switch match.Route {
	case RouteAuthorize:
		err = g.handleAuthorize(sw, r)
	case RouteFlowGet:
		err = g.handleFlowGet(sw, r, match.FlowID, match.ContentType, match.Route)
	case RouteFlowCallback:
		err = g.handleCallback(sw, r, match)
	case RouteExperience:
		err = g.handleExperience(sw, r, match)
	case RouteFlowSubmit, RouteExecutionSubmit:
		err = g.handleSubmit(sw, r, match)
	case RouteAuthSubmit:
		err = g.handleRawSubmit(sw, r, match)
	case RoutePassthrough:
		err = g.handlePassthrough(sw, r, match)
	default:
		http.NotFound(sw, r)
		return
	}

	if err != nil {
		var verr *gwerrors.ValidationError
		if errors.As(err, &verr) {
			g.metrics.RecordValidationFailure(verr.Code)
		}
		g.logger.Error("request failed",
			"route", string(match.Route),
			"path", r.URL.Path,
			"error", err,
		)
		gwerrors.WriteAPIError(sw, err)
	}
}

// forward proxies the inbound request upstream, timing the round trip.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, body []byte, route Route) (*proxy.Result, error) {
	start := time.Now()
	res, err := g.forwarder.Forward(w, r, body, proxy.Options{PropagateResponseHeaders: true})
	elapsed := time.Since(start)

	g.metrics.RecordUpstreamLatency(string(route), elapsed)
	if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
		entry.UpstreamMillis = elapsed.Milliseconds()
	}
	return res, err
}

// handleAuthorize re-issues the upstream authorization redirect. The upstream
// Location must be present and singular; the redirect body is not proxied.
// The literal ":status" header keeps HTTP/2 translating intermediaries happy.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) error {
	res, err := g.forward(w, r, nil, RouteAuthorize)
	if err != nil {
		return err
	}

	location, err := res.Location()
	if err != nil {
		return err
	}

	w.Header().Set("Location", location)
	w.Header().Set(":status", "302")
	w.WriteHeader(http.StatusFound)
	return nil
}

// handleFlowGet proxies a flow-state fetch with retained-attribute handling
// around the upstream call.
func (g *Gateway) handleFlowGet(w http.ResponseWriter, r *http.Request, flowID, contentType string, route Route) error {
	retained, err := g.codec.ReadCookie(r, flowID)
	if err != nil {
		return err
	}

	res, err := g.forward(w, r, nil, route)
	if err != nil {
		return err
	}

	if err := g.storeRetained(r.Context(), w, flowID, retained, res.Body); err != nil {
		return err
	}

	writeBody(w, contentType, res.StatusCode, res.Body)
	return nil
}

// handleCallback copies the flow-execution cookie's retained attributes into
// the flow-scoped cookie, then proxies the callback itself without further
// flow-state handling.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request, match Match) error {
	executionID := r.URL.Query().Get("flowExecutionId")
	if executionID == "" {
		return &gwerrors.ValidationError{
			Target:          "flowExecutionId",
			Code:            "INVALID_DATA",
			Message:         "Missing flowExecutionId parameter",
			DetailedCode:    "INVALID_VALUE",
			DetailedMessage: "flowExecutionId query parameter is required",
		}
	}

	attrs, err := g.codec.ReadCookie(r, executionID)
	if err != nil {
		return err
	}
	if err := g.codec.WriteCookie(w, match.FlowID, attrs); err != nil {
		return err
	}

	res, err := g.forward(w, r, nil, RouteFlowCallback)
	if err != nil {
		return err
	}

	writeBody(w, match.ContentType, res.StatusCode, res.Body)
	return nil
}

// handleExperience resolves the flow identifier embedded in the redirect URI
// and then behaves as a flow-scoped GET. A redirect URI without a flow
// reference degrades to a plain passthrough.
func (g *Gateway) handleExperience(w http.ResponseWriter, r *http.Request, match Match) error {
	flowID := flowIDFromRedirect(r.URL.Query().Get("redirectUri"))
	if flowID == "" {
		return g.handlePassthrough(w, r, match)
	}

	if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
		entry.FlowID = flowID
	}
	return g.handleFlowGet(w, r, flowID, match.ContentType, match.Route)
}

// handleSubmit proxies a flow submission, running the validation pipeline and
// the MFA enrollment policy around the upstream call.
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request, match Match) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return gwerrors.NewUpstreamProtocolError("reading request body: %v", err)
	}

	g.logger.Debug("flow submission",
		"flow_id", match.FlowID,
		"body", g.audit.ObfuscateBody(body),
	)

	retained, err := g.codec.ReadCookie(r, match.FlowID)
	if err != nil {
		return err
	}
	flowstate.MergeAllowed(retained, flowstate.UnwrapRequest(body), g.retainClaims)

	validated, err := g.pipeline.Run(r.Context(), retained, body)
	if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
		entry.Validated = validated
	}
	if err != nil {
		return err
	}

	if err := g.policy.PreSubmission(r.Context(), validated, retained); err != nil {
		return err
	}

	res, err := g.forward(w, r, body, match.Route)
	if err != nil {
		return err
	}

	if err := g.storeRetained(r.Context(), w, match.FlowID, retained, res.Body); err != nil {
		return err
	}

	g.policy.PostSubmission(r.Context(), res.StatusCode, validated, retained)

	writeBody(w, match.ContentType, res.StatusCode, res.Body)
	return nil
}

// handleRawSubmit proxies a POST under /as verbatim, with no flow-state
// handling.
func (g *Gateway) handleRawSubmit(w http.ResponseWriter, r *http.Request, match Match) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return gwerrors.NewUpstreamProtocolError("reading request body: %v", err)
	}

	res, err := g.forward(w, r, body, match.Route)
	if err != nil {
		return err
	}

	writeBody(w, match.ContentType, res.StatusCode, res.Body)
	return nil
}

// handlePassthrough proxies any other request verbatim.
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request, match Match) error {
	res, err := g.forward(w, r, nil, match.Route)
	if err != nil {
		return err
	}

	writeBody(w, match.ContentType, res.StatusCode, res.Body)
	return nil
}

// storeRetained merges allow-listed attributes from the upstream response
// payload into the retained set, backfills a missing username via the
// configured lookup keys, and writes the refreshed cookie. Username lookups
// are best effort: a failed lookup moves on to the next key.
func (g *Gateway) storeRetained(ctx context.Context, w http.ResponseWriter, flowID string, retained flowstate.Attributes, responseBody string) error {
	flowstate.MergeAllowed(retained, flowstate.UnwrapResponse([]byte(responseBody)), g.retainClaims)

	if _, ok := retained["username"]; !ok {
		for _, key := range g.lookupKeys {
			if key == "username" {
				continue
			}
			value, ok := retained[key]
			if !ok {
				continue
			}
			username, err := g.users.Username(ctx, value, key)
			if err != nil {
				g.logger.Debug("username lookup failed", "key", key, "error", err)
				continue
			}
			retained["username"] = username
		}
	}

	return g.codec.WriteCookie(w, flowID, retained)
}

func writeBody(w http.ResponseWriter, contentType string, status int, body string) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}
