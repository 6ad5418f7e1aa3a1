package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"tradefinance-backend/internal/metrics"
	"tradefinance-backend/internal/transport"
)

// RateLimit limits requests per client IP (X-Forwarded-For aware) per route.
// A non-positive limit disables it.
func RateLimit(route string, limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitHits.WithLabelValues(route).Inc()
			transport.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
		}),
	)
}
