package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/warden/internal/auth"
	"github.com/dukerupert/warden/internal/mfa"
	"github.com/dukerupert/warden/internal/session"
)

// AuthHandler serves the unauthenticated login endpoints and logout.
type AuthHandler struct {
	svc        *mfa.Service
	sessions   *session.Registry
	cookies    CookieConfig
	trustProxy bool
	logger     *slog.Logger
}

func NewAuthHandler(svc *mfa.Service, sessions *session.Registry, cookies CookieConfig, trustProxy bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:        svc,
		sessions:   sessions,
		cookies:    cookies,
		trustProxy: trustProxy,
		logger:     logger,
	}
}

type loginResponse struct {
	Status string `json:"status"`
	*mfa.Authenticated
	*mfa.Challenge
}

func (h *AuthHandler) authenticated(w http.ResponseWriter, a *mfa.Authenticated) {
	h.cookies.set(w, a.Token, a.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{Status: "authenticated", Authenticated: a})
}

// Login checks email and password. The response is either a session or an
// MFA challenge ticket.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DeviceLabel string `json:"device_label"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		badRequest(w, "email and password are required")
		return
	}

	res, err := h.svc.Login(r.Context(), req.Email, req.Password, deviceFromRequest(r, req.DeviceLabel, h.trustProxy))
	if err != nil {
		writeServiceError(w, r, h.logger, "login", err)
		return
	}
	if res.Challenge != nil {
		writeJSON(w, http.StatusOK, loginResponse{Status: "mfa_required", Challenge: res.Challenge})
		return
	}
	h.authenticated(w, res.Authenticated)
}

// CompleteMFA answers an MFA challenge with a TOTP or backup code.
func (h *AuthHandler) CompleteMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticket      string `json:"ticket"`
		Code        string `json:"code"`
		DeviceLabel string `json:"device_label"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Ticket == "" || req.Code == "" {
		badRequest(w, "ticket and code are required")
		return
	}

	a, err := h.svc.CompleteMFALogin(r.Context(), req.Ticket, strings.TrimSpace(req.Code), deviceFromRequest(r, req.DeviceLabel, h.trustProxy))
	if err != nil {
		writeServiceError(w, r, h.logger, "complete mfa login", err)
		return
	}
	h.authenticated(w, a)
}

// LoginWithLink redeems an operator-issued login link.
func (h *AuthHandler) LoginWithLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Code        string `json:"code"`
		DeviceLabel string `json:"device_label"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Code == "" {
		badRequest(w, "email and code are required")
		return
	}

	a, err := h.svc.LoginWithLink(r.Context(), req.Email, req.Code, deviceFromRequest(r, req.DeviceLabel, h.trustProxy))
	if err != nil {
		writeServiceError(w, r, h.logger, "login with link", err)
		return
	}
	h.authenticated(w, a)
}

// BeginEnrollment starts login-time enrollment for a user who cannot sign
// in until MFA is on. It returns provisioning data and a ticket together.
func (h *AuthHandler) BeginEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		badRequest(w, "email and password are required")
		return
	}

	prov, err := h.svc.LoginFlow().Begin(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, "begin login enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, prov)
}

// VerifyEnrollment completes login-time enrollment and signs the user in.
func (h *AuthHandler) VerifyEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticket      string `json:"ticket"`
		Code        string `json:"code"`
		DeviceLabel string `json:"device_label"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Ticket == "" || req.Code == "" {
		badRequest(w, "ticket and code are required")
		return
	}

	flow := h.svc.ResumeLoginFlow(req.Ticket)
	act, err := flow.Verify(r.Context(), strings.TrimSpace(req.Code), deviceFromRequest(r, req.DeviceLabel, h.trustProxy))
	if err != nil {
		writeServiceError(w, r, h.logger, "verify login enrollment", err)
		return
	}
	h.cookies.set(w, act.Token, act.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*mfa.LoginActivation
	}{"authenticated", act})
}

// CancelEnrollment abandons a login-time enrollment.
func (h *AuthHandler) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticket string `json:"ticket"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Ticket == "" {
		badRequest(w, "ticket is required")
		return
	}

	if err := h.svc.ResumeLoginFlow(req.Ticket).Cancel(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, "cancel login enrollment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logout revokes the caller's own session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	err := h.sessions.Revoke(r.Context(), ac.UserID, ac.SessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		writeServiceError(w, r, h.logger, "logout", err)
		return
	}
	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}
