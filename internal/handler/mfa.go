package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/warden/internal/auth"
	"github.com/dukerupert/warden/internal/mfa"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

// MFAHandler serves the signed-in user's two-factor settings.
type MFAHandler struct {
	svc    *mfa.Service
	logger *slog.Logger
}

func NewMFAHandler(svc *mfa.Service, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{svc: svc, logger: logger}
}

// Status reports enrollment state, remaining backup codes and whether
// disabling needs the password.
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "mfa status", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*mfa.Status
		PasswordRequiredToDisable bool `json:"password_required_to_disable"`
	}{st, !auth.ViaLoginLink(r.Context())})
}

// Begin generates a new pending secret, replacing any earlier one.
func (h *MFAHandler) Begin(w http.ResponseWriter, r *http.Request) {
	flow, err := h.svc.SettingsFlow(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "load enrollment", err)
		return
	}
	prov, err := flow.Begin(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "begin enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, prov)
}

// QRCode renders the pending secret as a PNG for scanning.
func (h *MFAHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	size := defaultQRSize
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 64 || n > maxQRSize {
			badRequest(w, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	png, err := h.svc.PendingQRCode(r.Context(), auth.UserID(r.Context()), size)
	if err != nil {
		writeServiceError(w, r, h.logger, "render qr code", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// Verify confirms the pending secret with a code and turns MFA on. The
// response carries the backup codes, which are never shown again.
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		badRequest(w, "code is required")
		return
	}

	flow, err := h.svc.SettingsFlow(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "load enrollment", err)
		return
	}
	act, err := flow.Verify(r.Context(), strings.TrimSpace(req.Code))
	if err != nil {
		writeServiceError(w, r, h.logger, "verify enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

// Cancel discards the pending secret.
func (h *MFAHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	flow, err := h.svc.SettingsFlow(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "load enrollment", err)
		return
	}
	if flow.State() != mfa.StateVerify {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := flow.Cancel(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, "cancel enrollment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disable turns MFA off.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	ac, _ := auth.FromContext(r.Context())
	flow, err := h.svc.SettingsFlow(r.Context(), ac.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, "load enrollment", err)
		return
	}
	if err := flow.Disable(r.Context(), ac.Session, req.Password); err != nil {
		writeServiceError(w, r, h.logger, "disable mfa", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RedeemBackupCode consumes one backup code, for example to confirm a
// sensitive action without the authenticator.
func (h *MFAHandler) RedeemBackupCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		badRequest(w, "code is required")
		return
	}

	if err := h.svc.RedeemBackupCode(r.Context(), auth.UserID(r.Context()), req.Code); err != nil {
		writeServiceError(w, r, h.logger, "redeem backup code", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
