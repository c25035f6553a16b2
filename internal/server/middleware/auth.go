package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureVerifier checks an HMAC signature over a request's timestamp,
// method, path and body.
type SignatureVerifier interface {
	Verify(method, path, body, timestamp, signature string, now time.Time) error
}

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header, a static key in the X-API-Key header,
// or (when verifier is non-nil) an HMAC signature in the X-Guard-Signature
// and X-Guard-Timestamp headers. If apiKey is empty and verifier is nil, the
// middleware passes all requests through (disabled).
func Auth(apiKey string, verifier SignatureVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			if sig := r.Header.Get("X-Guard-Signature"); sig != "" && verifier != nil {
				if verifySigned(r, verifier, sig) {
					next.ServeHTTP(w, r)
					return
				}
				writeUnauthorized(w, "invalid request signature")
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifySigned buffers the request body, checks the HMAC signature and
// restores the body for downstream handlers.
func verifySigned(r *http.Request, verifier SignatureVerifier, sig string) bool {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	ts := r.Header.Get("X-Guard-Timestamp")
	return verifier.Verify(r.Method, r.URL.Path, string(body), ts, sig, time.Now()) == nil
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
