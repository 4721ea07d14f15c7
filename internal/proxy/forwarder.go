// Package proxy forwards inbound requests to the single fixed upstream auth
// host. It uses http.Client directly instead of httputil.ReverseProxy to keep
// full control over header filtering, redirect handling, and body decoding.
package proxy

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"

	"log/slog"

	gwerrors "github.com/cruxid/flowgate/internal/errors"
)

// Options parameterizes a single forwarding call.
type Options struct {
	// PropagateResponseHeaders controls whether filtered upstream response
	// headers are copied onto the client-facing response.
	PropagateResponseHeaders bool
}

// Result is the outcome of one upstream call. Header holds the raw upstream
// headers (pre-filtering) so callers can inspect protocol headers such as
// Location.
type Result struct {
	StatusCode int
	Body       string
	Header     http.Header
}

// Location returns the single redirect target of the upstream response. Zero
// or multiple Location values is a protocol violation and fatal for the
// request.
func (r *Result) Location() (string, error) {
	values := r.Header.Values("Location")
	if len(values) != 1 {
		return "", gwerrors.NewUpstreamProtocolError("redirect status with %d location headers", len(values))
	}
	return values[0], nil
}

// Forwarder executes upstream requests against the configured auth host.
type Forwarder struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder targeting baseURL, normally
// "https://{authHost}".
func NewForwarder(client *http.Client, baseURL string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:  client,
		baseURL: baseURL,
		logger:  logger,
	}
}

// TargetURL maps an inbound request to its upstream URL: scheme and host are
// replaced, path and query pass through verbatim.
func (f *Forwarder) TargetURL(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return fmt.Sprintf("%s%s?%s", f.baseURL, r.URL.Path, r.URL.RawQuery)
	}
	return f.baseURL + r.URL.Path
}

// Forward sends the inbound request upstream and returns the decoded result.
// body carries the original request body for methods that have one (nil for
// GET). When opts.PropagateResponseHeaders is set, filtered upstream headers
// are written to w; the status code and body are always left to the caller so
// flow-state handling can run in between.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, body []byte, opts Options) (*Result, error) {
	targetURL := f.TargetURL(r)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	CopyRequestHeaders(upstreamReq.Header, r.Header)

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	f.logger.Debug("upstream response",
		"url", targetURL,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
	)

	if opts.PropagateResponseHeaders {
		CopyResponseHeaders(w.Header(), resp.Header)
	}

	payload, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       payload,
		Header:     resp.Header,
	}, nil
}

// readBody returns the upstream body as UTF-8 text. Redirect and no-content
// statuses yield an empty string rather than an absent body. A gzip body is
// transparently decompressed; any other declared encoding is a protocol
// error.
func readBody(resp *http.Response) (string, error) {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusFound || resp.Body == nil {
		return "", nil
	}

	var reader io.Reader = resp.Body
	switch encoding := resp.Header.Get("Content-Encoding"); encoding {
	case "":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", gwerrors.NewUpstreamProtocolError("invalid gzip body: %v", err)
		}
		defer gz.Close()
		reader = gz
	default:
		return "", gwerrors.NewUpstreamProtocolError("unexpected content-encoding %q", encoding)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading upstream body: %w", err)
	}
	return string(data), nil
}
