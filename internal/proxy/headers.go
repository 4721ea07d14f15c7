package proxy

import (
	"net/http"
	"strings"
)

// requestHeaderExclusions are inbound headers never copied upstream. Each is
// recomputed by the HTTP client for the outbound request.
var requestHeaderExclusions = []string{
	"Host",
	"Connection",
	"Content-Length",
}

// responseHeaderExclusions are upstream headers never copied back to the
// caller. Content negotiation headers are owned by the gateway's route
// definitions, and the HTTP/2 pseudo status is not a real header.
var responseHeaderExclusions = []string{
	":status",
	"Content-Encoding",
	"Content-Type",
	"Content-Length",
}

// corsHeaderPrefix marks upstream CORS headers, all of which are dropped:
// the gateway applies its own CORS policy.
const corsHeaderPrefix = "access-control-"

// CopyRequestHeaders copies src to dst minus the request exclusions.
// Comparison is case-insensitive and repeated values are preserved.
func CopyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if isExcluded(key, requestHeaderExclusions) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// CopyResponseHeaders copies src to dst minus the response exclusions and
// any access-control-* header.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if isExcluded(key, responseHeaderExclusions) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), corsHeaderPrefix) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isExcluded(header string, exclusions []string) bool {
	for _, e := range exclusions {
		if strings.EqualFold(header, e) {
			return true
		}
	}
	return false
}
