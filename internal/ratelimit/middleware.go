package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// KeyFunc picks the bucket for a request. An empty key is not limited.
type KeyFunc func(r *http.Request) string

// RequestIDFunc returns the request id for the 429 envelope. It is injected
// so this package does not depend on the server.
type RequestIDFunc func(r *http.Request) string

// Middleware limits every request whose key is non-empty. Allowed requests
// carry X-RateLimit-Remaining; rejected ones get a 429 with Retry-After in
// whole seconds. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Allowed {
				if d.Remaining >= 0 {
					w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				}
				next.ServeHTTP(w, r)
				return
			}

			secs := retryAfterSeconds(d.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			logger.Debug("ratelimit: request rejected", "key", key, "path", r.URL.Path, "retry_after_s", secs)
			writeRateLimitError(w, requestID, secs)
		})
	}
}

// retryAfterSeconds rounds up so a client that waits the advertised time
// always finds a token.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeRateLimitError(w http.ResponseWriter, requestID string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
			Details: map[string]int{"retry_after_seconds": retryAfter},
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys by the host part of RemoteAddr. X-Forwarded-For is ignored
// because nothing in front of the service is trusted to set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
