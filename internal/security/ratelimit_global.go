package security

import (
	"net/http"

	gwerrors "github.com/cruxid/flowgate/internal/errors"
	"golang.org/x/time/rate"
)

// HitRecorder receives rate limit hit counts. audit.Metrics satisfies it.
type HitRecorder interface {
	RecordRateLimitHit(layer string)
}

// GlobalRateLimiter enforces a gateway-wide request budget with a single
// token bucket. It sits in front of the per-IP limiter and protects the
// upstream identity provider as a whole.
type GlobalRateLimiter struct {
	limiter *rate.Limiter
	metrics HitRecorder
}

// NewGlobalRateLimiter creates a gateway-wide rate limiter.
// perMinute is the total request budget; burst is the token bucket size.
func NewGlobalRateLimiter(perMinute, burst int, metrics HitRecorder) *GlobalRateLimiter {
	return &GlobalRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		metrics: metrics,
	}
}

// Process returns an http.Handler that enforces the global limit.
func (rl *GlobalRateLimiter) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit("global")
			}
			gwerrors.WriteRateLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name.
func (rl *GlobalRateLimiter) Name() string {
	return "global_rate_limiter"
}
