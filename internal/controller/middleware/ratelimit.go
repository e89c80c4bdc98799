package middleware

import (
	"net/http"
	"sync"
	"time"

	"docflow/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per tenant.
type RateLimiter struct {
	limiters sync.Map // tenantID -> *cachedLimiter
	ttl      time.Duration
	now      func() time.Time
	rejected metric.Int64Counter
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithTTL sets how long a tenant's bucket is reused before its limits are re-read.
func WithTTL(ttl time.Duration) RateLimitOption {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RateLimitOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a per-tenant rate limiter.
func NewRateLimiter(opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{ttl: 5 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.rejected, _ = otel.Meter("docflow/controller").Int64Counter("docflow.http.rate_limited",
		metric.WithDescription("Requests rejected by the per-tenant rate limiter"))
	return l
}

// Middleware must run after AuthMiddleware. A tenant RateLimit of 0 means unlimited.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := TenantFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if tenant.RateLimit > 0 && !l.limiter(tenant).Allow() {
				l.rejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("tenant.id", tenant.ID.String())))
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) limiter(tenant *store.Tenant) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(tenant.ID); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
	}

	burst := tenant.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(tenant.RateLimit), burst)
	l.limiters.Store(tenant.ID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}
