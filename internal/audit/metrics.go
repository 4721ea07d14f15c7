package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks gateway metrics and serves them in Prometheus text format.
// It uses a custom prometheus.Registry for isolation and testability. It also
// satisfies the identity client's counter interface.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamLatency  *prometheus.HistogramVec
	inflight         prometheus.Gauge
	tokenRefreshes   prometheus.Counter
	mfaEnables       prometheus.Counter
	devicesEnrolled  prometheus.Counter
	validationFails  *prometheus.CounterVec
	rateLimitHits    *prometheus.CounterVec
	configReloads    *prometheus.CounterVec
	configReloadTime prometheus.Gauge
	buildInfo        *prometheus.GaugeVec
}

// NewMetrics creates a Metrics collector with a custom Prometheus registry.
// All metric families are pre-registered with HELP and TYPE metadata.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_requests_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"route", "method", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_request_duration_seconds",
			Help:    "End to end request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_upstream_latency_seconds",
			Help:    "Upstream identity provider response time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowgate_inflight_requests",
			Help: "Number of requests currently being proxied.",
		}),

		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_worker_token_refreshes_total",
			Help: "Total number of worker access token grants fetched.",
		}),

		mfaEnables: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_mfa_enables_total",
			Help: "Total number of users whose MFA flag was turned on.",
		}),

		devicesEnrolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_email_devices_registered_total",
			Help: "Total number of email MFA devices registered.",
		}),

		validationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_validation_failures_total",
			Help: "Total number of submissions rejected by a validator.",
		}, []string{"code"}),

		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_rate_limit_hits_total",
			Help: "Total number of rate limit hits.",
		}, []string{"layer"}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),

		configReloadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowgate_config_reload_timestamp_seconds",
			Help: "Unix timestamp of the last successful configuration reload.",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowgate_build_info",
			Help: "Build information about the flowgate binary. Value is always 1.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamLatency,
		m.inflight,
		m.tokenRefreshes,
		m.mfaEnables,
		m.devicesEnrolled,
		m.validationFails,
		m.rateLimitHits,
		m.configReloads,
		m.configReloadTime,
		m.buildInfo,
	)

	return m
}

// RecordRequest increments the request counter for the given route, method,
// and status code.
func (m *Metrics) RecordRequest(route, method string, status int) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// RecordDuration records the end to end request duration for a route.
func (m *Metrics) RecordDuration(route string, d time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordUpstreamLatency records the upstream response time for a route.
func (m *Metrics) RecordUpstreamLatency(route string, d time.Duration) {
	m.upstreamLatency.WithLabelValues(route).Observe(d.Seconds())
}

// IncrInFlight increments the in-flight request gauge.
func (m *Metrics) IncrInFlight() { m.inflight.Inc() }

// DecrInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrInFlight() { m.inflight.Dec() }

// TokenRefreshed counts one worker token grant.
func (m *Metrics) TokenRefreshed() { m.tokenRefreshes.Inc() }

// MFAEnabled counts one successful mfaEnabled update.
func (m *Metrics) MFAEnabled() { m.mfaEnables.Inc() }

// DeviceRegistered counts one email device registration.
func (m *Metrics) DeviceRegistered() { m.devicesEnrolled.Inc() }

// RecordValidationFailure counts one rejected submission by error code.
func (m *Metrics) RecordValidationFailure(code string) {
	m.validationFails.WithLabelValues(code).Inc()
}

// RecordRateLimitHit records a rate limit event. Layer is "global" or "ip".
func (m *Metrics) RecordRateLimitHit(layer string) {
	m.rateLimitHits.WithLabelValues(layer).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetConfigReloadTime records the timestamp of the last configuration reload.
func (m *Metrics) SetConfigReloadTime(t time.Time) {
	m.configReloadTime.Set(float64(t.Unix()))
}

// SetBuildInfo sets the build information gauge. The gauge value is always 1;
// version and Go version are exposed as labels.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler returns an HTTP handler that serves /metrics in Prometheus text
// format with HELP and TYPE annotations.
func (m *Metrics) Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}
}
