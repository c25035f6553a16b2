package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/quantrail/tradeguard/internal/domain"
)

// QuotaChecker is the recording check the API rate-limit middleware needs.
type QuotaChecker interface {
	Check(ctx context.Context, exchange, endpoint, actor string, weight int) domain.RateLimitDecision
}

// RateLimit returns middleware that applies per-client-IP rate limiting
// through the shared limiter under the "api:http" rule key.
func RateLimit(limiter QuotaChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := extractClientIP(r)

			dec := limiter.Check(r.Context(), "api", "http", clientIP, 1)
			if !dec.Allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
