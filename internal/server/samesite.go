package server

import "net/http"

// sameSiteValue is appended to every Set-Cookie header. The flow cookie must
// travel on cross-site redirects from the identity provider back to the
// gateway, which requires SameSite=None alongside Secure.
const sameSiteValue = "None"

// sameSiteMiddleware rewrites all Set-Cookie response headers to carry the
// SameSite attribute just before the header block is written.
func sameSiteMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&sameSiteWriter{ResponseWriter: w}, r)
	})
}

type sameSiteWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *sameSiteWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		rewriteSetCookies(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *sameSiteWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func rewriteSetCookies(h http.Header) {
	cookies := h.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}

	rewritten := make([]string, len(cookies))
	for i, c := range cookies {
		rewritten[i] = c + "; SameSite=" + sameSiteValue
	}
	h.Del("Set-Cookie")
	for _, c := range rewritten {
		h.Add("Set-Cookie", c)
	}
}
