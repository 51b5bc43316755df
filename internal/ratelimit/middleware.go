package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gatekeeper/internal/models"
)

// Checker makes admission decisions. *Limiter implements it.
type Checker interface {
	Check(ctx context.Context, key Key, limit int64, window time.Duration) Result
}

// Middleware returns HTTP middleware that enforces rate limits. The policy is
// resolved from the request path and the key from the policy's scope.
//
// Denied requests get 429 with a JSON body. Requests admitted while the
// counter store is unavailable carry X-RateLimit-Status: degraded and no
// remaining count.
func Middleware(checker Checker, policies *Policies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := policies.Resolve(r.URL.Path)
			key := policies.KeyFor(r, policy)

			result := checker.Check(r.Context(), key, policy.Limit, policy.Window)

			// Always set rate limit headers
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			if result.Degraded() {
				w.Header().Set("X-RateLimit-Status", "degraded")
			} else {
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			}

			if !result.Allowed() {
				retryAfterSecs := int64(result.RetryAfter/time.Second) + 1
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSecs, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				errorResp := models.NewErrorResponse("Rate limit exceeded", models.ErrorCodeRateLimitExceeded)
				errorResp.RequestID = r.Header.Get("X-Request-ID")
				json.NewEncoder(w).Encode(errorResp)

				slog.Warn("Rate limit exceeded",
					"key", key.String(),
					"limit", result.Limit,
					"count", result.Count,
					"retry_after", retryAfterSecs,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
