// Package handler exposes the MFA and session operations as a JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/warden/internal/mfa"
	"github.com/dukerupert/warden/internal/middleware"
	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/session"
)

const (
	maxBodyBytes   = 1 << 16
	maxDeviceLabel = 64
)

type apiError struct {
	status  int
	code    string
	message string
}

// Every expected outcome has a fixed status, code and message so responses
// never reveal more than the outcome itself.
var apiErrors = []struct {
	target error
	apiError
}{
	{mfa.ErrEnrollmentNotFound, apiError{http.StatusGone, "enrollment_not_found", "enrollment expired or not started, please start again"}},
	{mfa.ErrInvalidCode, apiError{http.StatusBadRequest, "invalid_code", "invalid code"}},
	{mfa.ErrAlreadyEnrolled, apiError{http.StatusConflict, "already_enrolled", "two-factor authentication is already enabled"}},
	{mfa.ErrNotEnrolled, apiError{http.StatusConflict, "not_enrolled", "two-factor authentication is not enabled"}},
	{mfa.ErrBackupCodeAlreadyUsed, apiError{http.StatusConflict, "backup_code_used", "backup code already used"}},
	{mfa.ErrUnauthorized, apiError{http.StatusUnauthorized, "unauthorized", "invalid credentials"}},
	{mfa.ErrHandoffExpired, apiError{http.StatusGone, "handoff_expired", "sign-in expired, please sign in again"}},
	{mfa.ErrMFARequired, apiError{http.StatusForbidden, "mfa_required", "two-factor authentication must be set up before signing in"}},
	{mfa.ErrUnknownUser, apiError{http.StatusNotFound, "unknown_user", "unknown user"}},
	{mfa.ErrInvalidTransition, apiError{http.StatusConflict, "invalid_transition", "that step is not available right now"}},
	{session.ErrNotFound, apiError{http.StatusNotFound, "session_not_found", "session not found"}},
	{session.ErrNoCurrentSession, apiError{http.StatusBadRequest, "no_current_session", "current session required"}},
}

var internalError = apiError{http.StatusInternalServerError, "internal", "internal error, please try again"}

// lookupError maps err to its API error. Anything unrecognised is a storage
// failure and becomes a generic 500.
func lookupError(err error) (apiError, bool) {
	for _, e := range apiErrors {
		if errors.Is(err, e.target) {
			return e.apiError, true
		}
	}
	return internalError, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e apiError) {
	writeJSON(w, e.status, map[string]string{"error": e.code, "message": e.message})
}

// writeServiceError responds with the mapping for err, logging the detail of
// unexpected failures.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	e, ok := lookupError(err)
	if !ok {
		logger.ErrorContext(r.Context(), op, "error", err)
	}
	writeError(w, e)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, apiError{http.StatusBadRequest, "bad_request", msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON")
		return false
	}
	return true
}

// deviceFromRequest describes the calling client. The label comes from the
// client when it sends one, otherwise from its user agent.
func deviceFromRequest(r *http.Request, label string, trustProxy bool) model.Device {
	ua := r.UserAgent()
	label = strings.TrimSpace(label)
	if label == "" {
		label = ua
	}
	if label == "" {
		label = "Unknown device"
	}
	if len(label) > maxDeviceLabel {
		label = label[:maxDeviceLabel]
	}
	return model.Device{
		Label:         label,
		OriginAddress: middleware.RealIP(r, trustProxy),
		UserAgent:     ua,
	}
}

// CookieConfig controls the session cookie set for browser clients.
type CookieConfig struct {
	Secure bool
}

func (c CookieConfig) set(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c CookieConfig) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
