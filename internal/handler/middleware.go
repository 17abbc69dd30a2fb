package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"slices"

	"github.com/rhythm-ranking/internal/domain"
	"github.com/rhythm-ranking/internal/redis"
)

// APIKeyHeader carries the shared write credential
const APIKeyHeader = "X-API-Key"

// Limiter throttles requests per caller
type Limiter interface {
	Allow(ctx context.Context, caller string) (redis.Decision, error)
}

// corsMiddleware adds CORS headers for the allowed origins
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	wildcard := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID, "+APIKeyHeader)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireAPIKey rejects requests without the shared write credential
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	expected := []byte(h.security.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(r.Header.Get(APIKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles callers by address. Limiter failures let the request through.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		d, err := h.limiter.Allow(r.Context(), ip)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing request", "ip", ip, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(d.RetryAfter.Seconds())
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", retryAfter))

		if !d.Allowed {
			h.logger.Info("rate limit exceeded", "ip", ip, "limit", d.Limit)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, domain.ErrRateLimited, "rate_limited")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller address after RealIP has been applied
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
