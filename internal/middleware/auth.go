package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/warden/internal/auth"
	"github.com/dukerupert/warden/internal/session"
)

// SessionCookieName carries the bearer token for browser clients.
const SessionCookieName = "warden_session"

// BearerToken returns the session token from the Authorization header, or
// from the session cookie when the header is absent.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// RequireAuth resolves the caller's session on every request and populates
// AuthContext. A revoked or expired session is rejected immediately.
func RequireAuth(sessions *session.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			sess, err := sessions.Authenticate(r.Context(), token)
			if errors.Is(err, session.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "session expired or revoked")
				return
			}
			if err != nil {
				logger.ErrorContext(r.Context(), "authenticate session", "error", err)
				writeError(w, http.StatusInternalServerError, "internal", "internal error, please try again")
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.FromSession(sess))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
