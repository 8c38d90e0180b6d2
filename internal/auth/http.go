// ABOUTME: HTTP middleware for JWT authentication on admin endpoints
// ABOUTME: Extracts the bearer token (or ?token= for websockets) and adds the admin to context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequestToken returns the bearer token of r. Browsers cannot set headers
// on a websocket handshake, so a token query parameter is accepted too.
func RequestToken(r *http.Request) (string, string) {
	if token := r.URL.Query().Get("token"); token != "" && r.Header.Get("Authorization") == "" {
		return token, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware rejects requests without a valid admin token and adds
// the admin's AuthContext to the request context.
func HTTPAuthMiddleware(authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := RequestToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			authCtx, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, ErrExpiredToken):
					writeAuthError(w, http.StatusUnauthorized, "token expired")
				case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrMissingClaim):
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
				default:
					writeAuthError(w, http.StatusServiceUnavailable, "authentication unavailable")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OptionalAuthMiddleware attaches an AuthContext when a valid token is
// present and lets every request through.
func OptionalAuthMiddleware(authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := RequestToken(r)
			if errMsg != "" {
				next.ServeHTTP(w, r) // Continue as anonymous
				return
			}

			authCtx, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
