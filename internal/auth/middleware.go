// Package auth provides authentication for the raced control API and the
// mod tokens used by game-side agents.
//
// Control API auth is a static API key (or Noop when unset). Real identity
// and token minting live in an external service; this layer only reads the
// caller's user id from the X-User-ID header that service injects.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const userIDKey contextKey = iota

// Noop returns a middleware that passes every request through unchanged.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey returns a middleware that validates requests against a static API
// key read from "Authorization: Bearer <key>". An empty key behaves like
// Noop. GET /health is always exempt so health checks keep working.
// Comparison uses crypto/subtle to prevent timing side channels.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return Noop()
	}

	keyBytes := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), keyBytes) != 1 {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Identity returns a middleware that parses the X-User-ID header (set by
// the upstream identity layer) into the request context. Requests without
// the header pass through; handlers that require identity reject them.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := r.Header.Get("X-User-ID"); raw != "" {
				if id, err := uuid.Parse(raw); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), userIDKey, id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID extracts the authenticated user id from the request context.
func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
