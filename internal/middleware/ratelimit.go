package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lumeo-ai/contentforge/internal/database"
	"github.com/lumeo-ai/contentforge/internal/pkg/apierr"
	"github.com/lumeo-ai/contentforge/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting configuration.
// Generation endpoints are expensive; the window is deliberately tight.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
	}
}

// RateLimit returns a rate limiting middleware using a Redis counter per
// client and minute window. Redis outages fail open.
func RateLimit(redis *database.Redis, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("ratelimit:%s", clientID(r))
			window := time.Minute

			count, err := redis.IncrWithExpire(r.Context(), key, window)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := cfg.RequestsPerMinute
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

			if int(count) > limit+cfg.BurstSize {
				w.Header().Set("Retry-After", "60")
				response.Error(w, apierr.ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientID identifies the caller: API key when present, client IP otherwise.
func clientID(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		if len(apiKey) > 20 {
			return "apikey:" + apiKey[:20]
		}
		return "apikey:" + apiKey
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return "ip:" + xrip
	}
	return "ip:" + r.RemoteAddr
}
