// ABOUTME: HTTP middleware that authenticates API requests
// ABOUTME: Verifies bearer JWTs, or trusts X-User-ID when no secret is configured

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// UserIDHeader is trusted in development mode only.
const UserIDHeader = "X-User-ID"

// tokenQueryParam carries the token for clients that cannot set headers.
const tokenQueryParam = "access_token"

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

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// Middleware authenticates requests and stores the Identity on the context.
// With a nil verifier it runs in development mode and reads X-User-ID.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	if verifier == nil {
		logger.Warn("no jwt secret configured, trusting " + UserIDHeader + " header")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
				if userID == "" {
					writeUnauthorized(w, "missing "+UserIDHeader+" header")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID, Method: MethodHeader})))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				if q := r.URL.Query().Get(tokenQueryParam); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "error", err, "path", r.URL.Path)
				if errors.Is(err, ErrExpiredToken) {
					writeUnauthorized(w, "token expired")
					return
				}
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID, Method: MethodToken})))
		})
	}
}
