package gateway

import (
	"net/http"
	"strings"
)

// Route identifies what kind of handling a request gets.
type Route string

const (
	RouteAuthorize       Route = "authorize"
	RouteFlowGet         Route = "flow_get"
	RouteFlowCallback    Route = "flow_callback"
	RouteExperience      Route = "experience"
	RouteFlowSubmit      Route = "flow_submit"
	RouteExecutionSubmit Route = "flow_execution_submit"
	RouteAuthSubmit      Route = "auth_submit"
	RoutePassthrough     Route = "passthrough"
	RouteNone            Route = "none"
)

// Content types produced per route. The response header copy rule strips the
// upstream Content-Type, so the gateway declares its own.
const (
	contentTypeHALJSON = "application/hal+json;charset=UTF-8"
	contentTypeJSON    = "application/json;charset=UTF-8"
	contentTypeHTML    = "text/html;charset=UTF-8"
)

// staticContentTypes maps asset filename extensions to the content type the
// gateway serves them with.
var staticContentTypes = map[string]string{
	".js":    "application/javascript;charset=UTF-8",
	".css":   "text/css;charset=UTF-8",
	".json":  contentTypeJSON,
	".png":   "image/png",
	".otf":   "binary/octet-stream",
	".ttf":   "binary/octet-stream",
	".woff":  "binary/octet-stream",
	".woff2": "binary/octet-stream",
}

// Match is a classified request.
type Match struct {
	Route         Route
	FlowID        string // flow or flow-execution identifier for flow-scoped routes
	EnvironmentID string // leading environment segment, when the path carries one
	ContentType   string // content type the gateway responds with, "" to omit
}

// routePrefixes are the first path segments the classifier knows. A leading
// segment outside this set is tried as an environment identifier.
var routePrefixes = map[string]bool{
	"as":             true,
	"flows":          true,
	"flowExecutions": true,
	"experiences":    true,
}

// Classify maps an inbound request to its route. The upstream path layout
// optionally prefixes every route with an environment identifier segment;
// both forms are accepted and the full original path is still what gets
// forwarded upstream.
func Classify(r *http.Request) Match {
	segs := splitPath(r.URL.Path)

	m := classify(r.Method, segs, r.URL.Path)
	if (m.Route == RoutePassthrough || m.Route == RouteNone) && len(segs) >= 2 && !routePrefixes[segs[0]] {
		scoped := classify(r.Method, segs[1:], r.URL.Path)
		if scoped.Route != RoutePassthrough && scoped.Route != RouteNone {
			scoped.EnvironmentID = segs[0]
			return scoped
		}
	}
	return m
}

func classify(method string, segs []string, fullPath string) Match {
	switch method {
	case http.MethodGet:
		switch {
		case len(segs) == 2 && segs[0] == "as" && segs[1] == "authorize":
			return Match{Route: RouteAuthorize}
		case len(segs) == 3 && segs[0] == "flows" && segs[2] == "flowExecutionCallback":
			return Match{Route: RouteFlowCallback, FlowID: segs[1], ContentType: contentTypeHTML}
		case len(segs) == 2 && segs[0] == "flows":
			return Match{Route: RouteFlowGet, FlowID: segs[1], ContentType: contentTypeHALJSON}
		case len(segs) == 2 && segs[0] == "experiences":
			return Match{Route: RouteExperience, ContentType: contentTypeHTML}
		default:
			return Match{Route: RoutePassthrough, ContentType: staticContentType(fullPath)}
		}
	case http.MethodPost:
		switch {
		case len(segs) == 2 && segs[0] == "flows":
			return Match{Route: RouteFlowSubmit, FlowID: segs[1], ContentType: contentTypeHALJSON}
		case len(segs) == 2 && segs[0] == "flowExecutions":
			return Match{Route: RouteExecutionSubmit, FlowID: segs[1], ContentType: contentTypeJSON}
		case len(segs) >= 1 && segs[0] == "as":
			return Match{Route: RouteAuthSubmit, ContentType: contentTypeJSON}
		default:
			return Match{Route: RouteNone}
		}
	case http.MethodOptions:
		return Match{Route: RoutePassthrough}
	default:
		return Match{Route: RouteNone}
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func staticContentType(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return staticContentTypes[path[idx:]]
	}
	return ""
}

// flowIDFromRedirect digs the flow identifier out of an experience redirect
// URI, which points back at the flow callback endpoint. Everything after the
// /flows/ segment except the callback suffix and separators is the flow id.
func flowIDFromRedirect(redirectURI string) string {
	idx := strings.Index(redirectURI, "/flows/")
	if idx < 0 {
		return ""
	}
	id := redirectURI[idx+len("/flows/"):]
	if q := strings.IndexByte(id, '?'); q >= 0 {
		id = id[:q]
	}
	id = strings.ReplaceAll(id, "flowExecutionCallback", "")
	return strings.ReplaceAll(id, "/", "")
}
