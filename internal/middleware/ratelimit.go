package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit limits requests per authenticated user, falling back to the
// client IP before authentication.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(retryAfterSeconds(windowLength))
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := GetUserID(r); userID != "" {
				return "user:" + userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + retryAfter + `}`))
		}),
	)
}

// retryAfterSeconds rounds the window up to whole seconds, at least one.
func retryAfterSeconds(window time.Duration) int {
	return max(1, int(math.Ceil(window.Seconds())))
}
