package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// staleLimiterAge is how long an idle client limiter survives before the
// cleanup loop drops it.
const staleLimiterAge = 10 * time.Minute

// ClientRateLimiter applies a token bucket per client IP. Buckets refill at
// the configured rate and allow short bursts up to the bucket size.
type ClientRateLimiter struct {
	config domain.RateLimitConfig
	logger *logger.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a per-client rate limiter.
func NewClientRateLimiter(config domain.RateLimitConfig, log *logger.Logger) *ClientRateLimiter {
	return &ClientRateLimiter{
		config:   config,
		logger:   log.MiddlewareLogger("rate_limiter"),
		limiters: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request from the given client is admitted now.
func (rl *ClientRateLimiter) Allow(client string) bool {
	return rl.allowAt(client, time.Now())
}

// allowAt is the testable core of Allow: admission decided against an
// explicit timestamp.
func (rl *ClientRateLimiter) allowAt(client string, now time.Time) bool {
	rl.mu.Lock()
	cl, ok := rl.limiters[client]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.limiters[client] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Cleanup removes limiters for clients not seen recently. Called
// periodically from a background goroutine.
func (rl *ClientRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-staleLimiterAge)
	for client, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, client)
		}
	}
}

// StartCleanup runs Cleanup on an interval until stop is closed.
func (rl *ClientRateLimiter) StartCleanup(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(staleLimiterAge)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()
}

// GetStats returns rate limiter statistics
func (rl *ClientRateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"enabled":             rl.config.Enabled,
		"requests_per_second": rl.config.RequestsPerSecond,
		"burst_size":          rl.config.BurstSize,
		"tracked_clients":     len(rl.limiters),
	}
}

// Middleware rejects requests over the per-client budget with 429 before
// any routing work happens.
func (rl *ClientRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientKey(r)
			if !rl.Allow(client) {
				rl.logger.WithField("client", client).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(rl.config.RequestsPerSecond, 'f', -1, 64))
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, gwerrors.NewRateLimitError(client))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
