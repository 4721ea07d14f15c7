package security

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/cruxid/flowgate/internal/errors"
	"golang.org/x/time/rate"
)

// ipEntry holds a rate limiter and its last-used timestamp for cleanup.
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // UnixNano
}

// IPRateLimiter enforces per-IP rate limiting using individual token buckets.
// Entries idle for longer than the cleanup interval are evicted so the map
// does not grow with every client ever seen.
type IPRateLimiter struct {
	limiters        sync.Map // IP string → *ipEntry
	perIP           int
	burst           int
	cleanupInterval time.Duration
	trustedProxies  []string
	metrics         HitRecorder
	cancel          context.CancelFunc
}

// NewIPRateLimiter creates a per-IP rate limiter.
// perIP is requests per minute per client IP; burst is the token bucket size.
func NewIPRateLimiter(perIP, burst int, cleanupInterval time.Duration, trustedProxies []string, metrics HitRecorder) *IPRateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &IPRateLimiter{
		perIP:           perIP,
		burst:           burst,
		cleanupInterval: cleanupInterval,
		trustedProxies:  trustedProxies,
		metrics:         metrics,
		cancel:          cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Process returns an http.Handler that enforces per-IP rate limiting.
func (rl *IPRateLimiter) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := TrustedClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), rl.trustedProxies)

		if !rl.getLimiter(ip).Allow() {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit("ip")
			}
			gwerrors.WriteRateLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name.
func (rl *IPRateLimiter) Name() string {
	return "ip_rate_limiter"
}

// Stop stops the cleanup goroutine.
func (rl *IPRateLimiter) Stop() {
	rl.cancel()
}

// getLimiter returns the rate limiter for the given IP, creating one if
// needed. LoadOrStore resolves the race when two requests from a new IP
// arrive at once.
func (rl *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := rl.limiters.Load(ip); ok {
		entry := v.(*ipEntry)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &ipEntry{limiter: rate.NewLimiter(rate.Limit(float64(rl.perIP)/60.0), rl.burst)}
	entry.lastSeen.Store(now)

	actual, loaded := rl.limiters.LoadOrStore(ip, entry)
	if loaded {
		existing := actual.(*ipEntry)
		existing.lastSeen.Store(now)
		return existing.limiter
	}
	return entry.limiter
}

// cleanup periodically removes inactive IP entries.
func (rl *IPRateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.cleanupInterval).UnixNano()
			rl.limiters.Range(func(key, value interface{}) bool {
				entry := value.(*ipEntry)
				if entry.lastSeen.Load() < cutoff {
					rl.limiters.Delete(key)
				}
				return true
			})
		}
	}
}
