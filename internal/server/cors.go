package server

import (
	"net/http"
	"strconv"
	"strings"
)

// allowedHeaders is the fixed request-header allow-list announced on
// preflight responses.
var allowedHeaders = strings.Join([]string{
	"Origin",
	"Content-Type",
	"Content-Length",
	"Content-Disposition",
	"X-Amz-Date",
	"Authorization",
	"X-Api-Key",
	"X-Amz-Security-Token",
	"Cookie",
	"Accept",
}, ", ")

const allowedMethods = "POST, GET, OPTIONS"

// corsMiddleware owns the gateway's CORS policy: one configured allowed
// origin, credentialed requests. Upstream access-control headers are already
// stripped by the proxy's response header filter, so these are the only CORS
// headers a client ever sees. Preflights carrying a requested method are
// answered here; any other OPTIONS request falls through to the proxy.
type corsMiddleware struct {
	allowedOrigin string
	maxAge        int
}

func newCORSMiddleware(allowedOrigin string, maxAge int) *corsMiddleware {
	return &corsMiddleware{allowedOrigin: allowedOrigin, maxAge: maxAge}
}

func (c *corsMiddleware) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if origin != c.allowedOrigin {
			http.Error(w, "Invalid CORS request", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", allowedMethods)
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Max-Age", strconv.Itoa(c.maxAge))
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
