package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/warden/internal/mfa"
	"github.com/dukerupert/warden/internal/middleware"
	"github.com/dukerupert/warden/internal/session"
)

func TestLookupError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{mfa.ErrEnrollmentNotFound, http.StatusGone, "enrollment_not_found"},
		{mfa.ErrInvalidCode, http.StatusBadRequest, "invalid_code"},
		{mfa.ErrAlreadyEnrolled, http.StatusConflict, "already_enrolled"},
		{mfa.ErrNotEnrolled, http.StatusConflict, "not_enrolled"},
		{mfa.ErrBackupCodeAlreadyUsed, http.StatusConflict, "backup_code_used"},
		{mfa.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{mfa.ErrHandoffExpired, http.StatusGone, "handoff_expired"},
		{mfa.ErrMFARequired, http.StatusForbidden, "mfa_required"},
		{mfa.ErrUnknownUser, http.StatusNotFound, "unknown_user"},
		{session.ErrNotFound, http.StatusNotFound, "session_not_found"},
		{fmt.Errorf("verify enrollment: %w", mfa.ErrInvalidCode), http.StatusBadRequest, "invalid_code"},
		{errors.New("disk I/O error"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		e, _ := lookupError(tt.err)
		if e.status != tt.status || e.code != tt.code {
			t.Errorf("lookupError(%v) = %d %s, want %d %s", tt.err, e.status, e.code, tt.status, tt.code)
		}
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	writeServiceError(rec, req, discardLogger(), "op", errors.New("no such table: sessions"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "no such table") {
		t.Errorf("body leaks storage detail: %s", rec.Body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("missing Cache-Control: no-store")
	}
}

func TestDeviceFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/login", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("User-Agent", "Firefox")

	dev := deviceFromRequest(req, "", false)
	if dev.Label != "Firefox" || dev.UserAgent != "Firefox" || dev.OriginAddress != "203.0.113.9" {
		t.Errorf("device = %+v", dev)
	}

	dev = deviceFromRequest(req, "  Work laptop ", false)
	if dev.Label != "Work laptop" {
		t.Errorf("label = %q, want Work laptop", dev.Label)
	}

	dev = deviceFromRequest(req, strings.Repeat("x", 200), false)
	if len(dev.Label) != maxDeviceLabel {
		t.Errorf("label length = %d, want %d", len(dev.Label), maxDeviceLabel)
	}

	req.Header.Del("User-Agent")
	if dev := deviceFromRequest(req, "", false); dev.Label != "Unknown device" {
		t.Errorf("label = %q, want Unknown device", dev.Label)
	}
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader("{not json"))

	var v struct{}
	if decodeJSON(rec, req, &v) {
		t.Fatal("decodeJSON accepted malformed body")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCookieConfig(t *testing.T) {
	c := CookieConfig{Secure: true}

	rec := httptest.NewRecorder()
	c.set(rec, "tok", time.Now().Add(time.Hour))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	ck := cookies[0]
	if ck.Name != middleware.SessionCookieName || ck.Value != "tok" || !ck.HttpOnly || !ck.Secure {
		t.Errorf("cookie = %+v", ck)
	}

	rec = httptest.NewRecorder()
	c.clear(rec)
	if ck := rec.Result().Cookies()[0]; ck.MaxAge >= 0 || ck.Value != "" {
		t.Errorf("cleared cookie = %+v", ck)
	}
}
