package middleware

import (
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a sliding window log per key.
type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	kept := r.times[key][:0]
	for _, t := range r.times[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.max {
		r.times[key] = kept
		return false
	}
	r.times[key] = append(kept, now)
	return true
}

// RateLimit caps requests per client IP and, once authenticated, per user
// within window. Excess requests get 429.
func RateLimit(perIP, perUser int, window time.Duration) func(http.Handler) http.Handler {
	byIP := newRateLimiter(perIP, window)
	byUser := newRateLimiter(perUser, window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			if !byIP.allow(clientIP(r), now) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && !byUser.allow(userID, now) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
