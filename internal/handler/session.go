package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/warden/internal/auth"
	"github.com/dukerupert/warden/internal/session"
)

// SessionHandler lists and revokes the signed-in user's sessions.
type SessionHandler struct {
	sessions *session.Registry
	cookies  CookieConfig
	logger   *slog.Logger
}

func NewSessionHandler(sessions *session.Registry, cookies CookieConfig, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, cookies: cookies, logger: logger}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	sessions, err := h.sessions.List(r.Context(), ac.UserID, ac.SessionID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Revoke deletes one session. A session that is already gone counts as
// revoked.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	id := r.PathValue("id")
	if id == "" {
		badRequest(w, "session id is required")
		return
	}

	err := h.sessions.Revoke(r.Context(), ac.UserID, id)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		writeServiceError(w, r, h.logger, "revoke session", err)
		return
	}
	if id == ac.SessionID {
		h.cookies.clear(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeOthers signs out every device except the caller's.
func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	n, err := h.sessions.RevokeAllOthers(r.Context(), ac.UserID, ac.SessionID)
	if err != nil {
		writeServiceError(w, r, h.logger, "revoke other sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// RevokeAll signs out every device, the caller's included.
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	n, err := h.sessions.RevokeAll(r.Context(), ac.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, "revoke all sessions", err)
		return
	}
	h.cookies.clear(w)
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
