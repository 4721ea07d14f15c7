package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"

	"github.com/cruxid/flowgate/internal/audit"
	"github.com/cruxid/flowgate/internal/config"
	"github.com/cruxid/flowgate/internal/flowstate"
	"github.com/cruxid/flowgate/internal/proxy"
	"github.com/cruxid/flowgate/internal/validation"
)

const testJWK = `{"kty":"oct","k":"MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY"}`

var testRetainClaims = []string{"username", "email", "mfaEmail"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUsers struct {
	username string
	err      error
	calls    [][2]string
}

func (f *fakeUsers) Username(ctx context.Context, searchValue, searchKey string) (string, error) {
	f.calls = append(f.calls, [2]string{searchValue, searchKey})
	return f.username, f.err
}

type fakeEnroller struct {
	enableCalls   []string
	registerCalls [][2]string
}

func (f *fakeEnroller) EnableMFA(ctx context.Context, searchValue, searchKey string) (bool, error) {
	f.enableCalls = append(f.enableCalls, searchValue)
	return true, nil
}

func (f *fakeEnroller) RegisterEmailDevice(ctx context.Context, username, emailAddress string) (bool, error) {
	f.registerCalls = append(f.registerCalls, [2]string{username, emailAddress})
	return true, nil
}

type harness struct {
	gateway  *Gateway
	codec    *flowstate.Codec
	enroller *fakeEnroller
	users    *fakeUsers
	metrics  *audit.Metrics
}

func newHarness(t *testing.T, upstreamURL string, validators []config.ValidatorConfig, mfaAttribute string) *harness {
	t.Helper()
	logger := discardLogger()

	codec, err := flowstate.NewCodec("env-1", testJWK, testRetainClaims)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	registry, err := validation.BuildRegistry(validators, logger)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	enroller := &fakeEnroller{}
	users := &fakeUsers{username: "alice@example.com"}
	metrics := audit.NewMetrics()

	g := New(Config{
		Forwarder:    proxy.NewForwarder(proxy.NewClient(proxy.NewTransport()), upstreamURL, logger),
		Codec:        codec,
		Pipeline:     validation.NewPipeline(registry, enroller, logger),
		Policy:       validation.NewMFAPolicy(enroller, mfaAttribute, logger),
		Users:        users,
		RetainClaims: testRetainClaims,
		LookupKeys:   []string{"username", "email"},
		Audit:        audit.NewLogger(logger, []string{"password"}),
		Metrics:      metrics,
		Logger:       logger,
	})

	return &harness{gateway: g, codec: codec, enroller: enroller, users: users, metrics: metrics}
}

func (h *harness) flowCookie(t *testing.T, flowID string, attrs flowstate.Attributes) *http.Cookie {
	t.Helper()
	token, err := h.codec.Encode(flowID, attrs)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return &http.Cookie{Name: flowstate.CookieName(flowID), Value: token}
}

func (h *harness) decodeSetCookie(t *testing.T, res *http.Response, flowID string) flowstate.Attributes {
	t.Helper()
	for _, c := range res.Cookies() {
		if c.Name == flowstate.CookieName(flowID) {
			attrs, err := h.codec.Decode(flowID, c.Value)
			if err != nil {
				t.Fatalf("Decode cookie: %v", err)
			}
			return attrs
		}
	}
	t.Fatalf("no %s cookie on response", flowstate.CookieName(flowID))
	return nil
}

func TestGateway_FlowGetRoundTrip(t *testing.T) {
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		w.Header().Set("X-Session", "s1")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"formData":{"user":{"email":"alice@example.com"}},"status":"USERNAME_PASSWORD_REQUIRED"}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet, "/flows/flow-1?param=1", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if upstreamPath != "/flows/flow-1" {
		t.Errorf("upstream path = %q", upstreamPath)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != contentTypeHALJSON {
		t.Errorf("content type = %q", ct)
	}
	if res.Header.Get("X-Session") != "s1" {
		t.Error("upstream header not propagated")
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("upstream CORS header leaked through")
	}

	attrs := h.decodeSetCookie(t, res, "flow-1")
	if attrs["email"] != "alice@example.com" {
		t.Errorf("retained email = %q", attrs["email"])
	}
	// username was absent, so it was backfilled through the email lookup key.
	if attrs["username"] != "alice@example.com" {
		t.Errorf("retained username = %q", attrs["username"])
	}
	if len(h.users.calls) != 1 || h.users.calls[0][1] != "email" {
		t.Errorf("username lookups = %v", h.users.calls)
	}

	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "USERNAME_PASSWORD_REQUIRED") {
		t.Errorf("body not proxied: %s", body)
	}
}

func TestGateway_Authorize(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://idp.example.com/signon?flowId=flow-9")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet, "/as/authorize?client_id=web", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if res.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "https://idp.example.com/signon?flowId=flow-9" {
		t.Errorf("location = %q", loc)
	}
	if res.Header.Get(":status") != "302" {
		t.Error("missing :status pseudo header")
	}
}

func TestGateway_AuthorizeDuplicateLocation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Location", "https://a.example.com")
		w.Header().Add("Location", "https://b.example.com")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet, "/as/authorize", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if envelope["code"] != "UNKNOWN" {
		t.Errorf("code = %v", envelope["code"])
	}
}

func TestGateway_SubmitHappyPath(t *testing.T) {
	var upstreamBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		upstreamBody = string(b)
		io.WriteString(w, `{"status":"COMPLETED"}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL,
		[]config.ValidatorConfig{{Type: "invoice_number", Attribute: "invoiceNumber"}},
		"username")

	body := `{"user":{"invoiceNumber":"INV-alice-01"}}`
	req := httptest.NewRequest(http.MethodPost, "/flows/flow-1", strings.NewReader(body))
	req.AddCookie(h.flowCookie(t, "flow-1", flowstate.Attributes{
		"username": "alice@example.com",
		"email":    "alice@example.com",
	}))
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, rec.Body.String())
	}
	if upstreamBody != body {
		t.Errorf("upstream body = %q", upstreamBody)
	}
	if len(h.enroller.enableCalls) != 1 || h.enroller.enableCalls[0] != "alice@example.com" {
		t.Errorf("enable calls = %v", h.enroller.enableCalls)
	}
	// MFA attribute equals the email attribute, so post-submission enrolls
	// the email value.
	if len(h.enroller.registerCalls) != 1 || h.enroller.registerCalls[0][1] != "alice@example.com" {
		t.Errorf("register calls = %v", h.enroller.registerCalls)
	}
}

func TestGateway_SubmitValidationFailure(t *testing.T) {
	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL,
		[]config.ValidatorConfig{{Type: "match_retained", Attribute: "email", MatchAttribute: "email"}},
		"username")

	req := httptest.NewRequest(http.MethodPost, "/flows/flow-1",
		strings.NewReader(`{"email":"mallory@example.com"}`))
	req.AddCookie(h.flowCookie(t, "flow-1", flowstate.Attributes{
		"username": "alice@example.com",
		"email":    "alice@example.com",
	}))
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if upstreamHit {
		t.Error("upstream called despite validation failure")
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if envelope["code"] != "INVALID_DATA" {
		t.Errorf("code = %v", envelope["code"])
	}
	if envelope["id"] == "" {
		t.Error("error envelope missing id")
	}
}

func TestGateway_SubmitTamperedCookie(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodPost, "/flows/flow-1", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: flowstate.CookieName("flow-1"), Value: "garbage"})
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid flow state") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGateway_ExecutionCallbackCopiesCookie(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html></html>")
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet,
		"/flows/flow-1/flowExecutionCallback?flowExecutionId=ex-1", nil)
	req.AddCookie(h.flowCookie(t, "ex-1", flowstate.Attributes{"email": "alice@example.com"}))
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, rec.Body.String())
	}
	attrs := h.decodeSetCookie(t, res, "flow-1")
	if attrs["email"] != "alice@example.com" {
		t.Errorf("copied attrs = %v", attrs)
	}
	if ct := res.Header.Get("Content-Type"); ct != contentTypeHTML {
		t.Errorf("content type = %q", ct)
	}
}

func TestGateway_ExecutionCallbackMissingParameter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet, "/flows/flow-1/flowExecutionCallback", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGateway_ExperienceResolvesFlowID(t *testing.T) {
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		io.WriteString(w, `{"formData":{"email":"alice@example.com"}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet,
		"/experiences/exp-1?redirectUri=https%3A%2F%2Fidp.example.com%2Fflows%2Fflow-7%2FflowExecutionCallback", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if upstreamPath != "/experiences/exp-1" {
		t.Errorf("upstream path = %q", upstreamPath)
	}
	attrs := h.decodeSetCookie(t, res, "flow-7")
	if attrs["email"] != "alice@example.com" {
		t.Errorf("retained attrs = %v", attrs)
	}
}

func TestGateway_StaticAssetContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "console.log(1)")
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet, "/signon/app.js", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if ct := res.Header.Get("Content-Type"); ct != "application/javascript;charset=UTF-8" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != "console.log(1)" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGateway_RawAuthSubmit(t *testing.T) {
	var upstreamBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		upstreamBody = string(b)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"access_token":"t"}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodPost, "/as/resume?flowId=flow-1",
		strings.NewReader("grant_type=authorization_code"))
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if upstreamBody != "grant_type=authorization_code" {
		t.Errorf("upstream body = %q", upstreamBody)
	}
	if ct := res.Header.Get("Content-Type"); ct != contentTypeJSON {
		t.Errorf("content type = %q", ct)
	}
	// No flow-state handling on the raw auth path.
	if len(res.Cookies()) != 0 {
		t.Errorf("unexpected cookies: %v", res.Cookies())
	}
}

func TestGateway_EnvScopedSubmit(t *testing.T) {
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		io.WriteString(w, `{"status":"COMPLETED"}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	// The environment-prefixed form must get the same flow-scoped handling
	// as the bare form, with the full original path forwarded upstream.
	req := httptest.NewRequest(http.MethodPost, "/env-1/flows/flow-1", strings.NewReader(`{}`))
	req.AddCookie(h.flowCookie(t, "flow-1", flowstate.Attributes{"email": "alice@example.com"}))
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)
	res := rec.Result()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, rec.Body.String())
	}
	if upstreamPath != "/env-1/flows/flow-1" {
		t.Errorf("upstream path = %q", upstreamPath)
	}
	attrs := h.decodeSetCookie(t, res, "flow-1")
	if attrs["email"] != "alice@example.com" {
		t.Errorf("retained attrs = %v", attrs)
	}
}

func TestGateway_ExperienceMetricsRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil, "username")

	req := httptest.NewRequest(http.MethodGet,
		"/experiences/exp-1?redirectUri=https%3A%2F%2Fidp.example.com%2Fflows%2Fflow-7%2FflowExecutionCallback", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)

	scrape := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	exposition := scrape.Body.String()

	if !strings.Contains(exposition, `flowgate_upstream_latency_seconds_count{route="experience"} 1`) {
		t.Error("upstream latency not recorded under the experience route")
	}
	if strings.Contains(exposition, `route="flow_get"`) {
		t.Error("experience request leaked into the flow_get route label")
	}
}

func TestGateway_UnknownRoute(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:0", nil, "username")

	req := httptest.NewRequest(http.MethodDelete, "/flows/flow-1", nil)
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
