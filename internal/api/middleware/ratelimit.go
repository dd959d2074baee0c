package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/cache"
)

const (
	defaultRequestsPerMinute = 60

	// BudgetAPI covers every authenticated route.
	BudgetAPI = "api"
	// BudgetSubmit covers job submission only, on top of BudgetAPI.
	BudgetSubmit = "submit"
)

// RateLimit counts each user's requests in fixed one-minute windows via Redis.
type RateLimit struct {
	cache          cache.Cache
	budget         string
	requestsPerMin int
}

// NewRateLimit creates a limiter for the named budget.
func NewRateLimit(c cache.Cache, budget string, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	if budget == "" {
		budget = BudgetAPI
	}
	return &RateLimit{cache: c, budget: budget, requestsPerMin: requestsPerMin}
}

// Limit applies the budget to the user set by Authenticate. Requests without
// a user pass through.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		window := now.Unix() / 60
		reset := (window + 1) * 60

		key := cache.RateLimitKey(rl.budget, userID, window)
		count, err := rl.cache.IncrWithExpiry(r.Context(), key, 2*time.Minute)
		if err != nil {
			// Redis outage must not take the API down with it.
			slog.Warn("rate limit check failed", "budget", rl.budget, "user_id", userID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if count > int64(rl.requestsPerMin) {
			retry := reset - now.Unix()
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimited, "Too many requests", map[string]any{"budget": rl.budget})
			return
		}

		next.ServeHTTP(w, r)
	})
}
