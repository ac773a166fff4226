// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Extracts JWT from Authorization header or query string and adds the user to context

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/fireside-gateway/internal/store"
)

// UserLookup resolves a verified token subject to a user record.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

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

// ExtractToken finds a token on the request. Browsers cannot set headers on
// a WebSocket handshake, so the "token" and "access_token" query parameters
// are checked before the Authorization header.
func ExtractToken(r *http.Request) (string, string) {
	q := r.URL.Query()
	for _, key := range []string{"token", "access_token"} {
		if v := q.Get(key); v != "" {
			return v, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// Authenticate verifies a raw token and loads the user it names.
// The returned status code is meaningful only when err is non-nil.
func Authenticate(ctx context.Context, users UserLookup, verifier TokenVerifier, token string) (*AuthContext, int, error) {
	userID, err := verifier.Verify(token)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}

	user, err := users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, http.StatusUnauthorized, errors.New("user not found")
		}
		return nil, http.StatusInternalServerError, err
	}

	if user.Suspended {
		return nil, http.StatusForbidden, errors.New("user is suspended")
	}

	return &AuthContext{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Admin:       user.Admin,
	}, 0, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// It looks up the user and adds AuthContext to the request context.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			authCtx, status, err := Authenticate(r.Context(), users, verifier, token)
			if err != nil {
				msg := err.Error()
				switch {
				case errors.Is(err, ErrExpiredToken):
					msg = "token expired"
				case status == http.StatusUnauthorized && msg != "user not found":
					msg = "invalid token"
				case status == http.StatusInternalServerError:
					msg = "internal error"
				}
				writeAuthError(w, status, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin flag.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !authCtx.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
