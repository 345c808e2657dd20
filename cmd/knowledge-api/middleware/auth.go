// Package middleware provides HTTP middleware for the knowledge API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Context keys for request-scoped values.
type contextKey string

const (
	// ClientIDKey is the context key for the resolved client (tenant) ID.
	ClientIDKey contextKey = "client_id"
	// UserIDKey is the context key for the acting user ID.
	UserIDKey contextKey = "user_id"
)

// Request headers understood by the API.
const (
	// ClientIDHeader carries the tenant on every API request.
	ClientIDHeader = "X-Client-ID"
	// UserIDHeader optionally identifies the acting user for audit columns.
	UserIDHeader = "X-User-ID"
)

// DevClientID is the tenant assumed when auth is disabled and no header is
// sent. It is deterministic so local data survives process restarts.
var DevClientID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("knowledge-core-dev"))

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled bool
}

// ClientID returns middleware that resolves the tenant for the request.
// With auth enabled the X-Client-ID header is required and must be a UUID;
// with auth disabled a missing header falls back to DevClientID.
func ClientID(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(ClientIDHeader)
			if raw == "" {
				if cfg.Enabled {
					http.Error(w, `{"error": "missing X-Client-ID header"}`, http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), ClientIDKey, DevClientID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			clientID, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, `{"error": "invalid X-Client-ID header"}`, http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
			if userID, err := uuid.Parse(r.Header.Get(UserIDHeader)); err == nil {
				ctx = context.WithValue(ctx, UserIDKey, userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIDFromContext extracts the client ID from context. It returns
// uuid.Nil when the middleware did not run.
func ClientIDFromContext(ctx context.Context) uuid.UUID {
	if v := ctx.Value(ClientIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// UserIDFromContext extracts the acting user ID, if one was provided.
func UserIDFromContext(ctx context.Context) *uuid.UUID {
	if v := ctx.Value(UserIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return &id
		}
	}
	return nil
}

// CORS returns CORS middleware for browser clients.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Client-ID, X-User-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
