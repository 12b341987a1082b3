package httputil

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies a process-wide token bucket to the ops API.
// The surface is small and single-operator, so one shared limiter is
// enough; requests over the limit get 429.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
