package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/warden/internal/handler"
	"github.com/dukerupert/warden/internal/mfa"
	"github.com/dukerupert/warden/internal/middleware"
	"github.com/dukerupert/warden/internal/secretbox"
	"github.com/dukerupert/warden/internal/session"
	ws "github.com/dukerupert/warden/internal/websocket"
)

const (
	loginRateLimit  = 10
	loginRateWindow = time.Minute
)

type Config struct {
	MFA           mfa.Config
	SessionTTL    time.Duration
	TrustProxy    bool
	SecureCookies bool
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	sessions    *session.Registry
	mfaService  *mfa.Service
	authH       *handler.AuthHandler
	mfaH        *handler.MFAHandler
	sessionH    *handler.SessionHandler
	rateLimiter *middleware.RateLimiter
	trustProxy  bool
	logger      *slog.Logger
}

func New(db *sql.DB, box *secretbox.Box, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	sessions := session.NewRegistry(db, session.Config{
		TTL: cfg.SessionTTL,
		Now: cfg.MFA.Now,
	}, logger.With("component", "session"))
	sessions.SetNotifier(hub)

	svc := mfa.NewService(db, box, sessions, cfg.MFA, logger.With("component", "mfa"))
	svc.SetChangeNotifier(hub)
	cookies := handler.CookieConfig{Secure: cfg.SecureCookies}

	return &Server{
		db:          db,
		hub:         hub,
		sessions:    sessions,
		mfaService:  svc,
		authH:       handler.NewAuthHandler(svc, sessions, cookies, cfg.TrustProxy, logger.With("component", "auth")),
		mfaH:        handler.NewMFAHandler(svc, logger.With("component", "mfa_handler")),
		sessionH:    handler.NewSessionHandler(sessions, cookies, logger.With("component", "session_handler")),
		rateLimiter: middleware.NewRateLimiter(),
		trustProxy:  cfg.TrustProxy,
		logger:      logger,
	}
}

// MFAService returns the MFA service for cleanup and operator tasks.
func (s *Server) MFAService() *mfa.Service {
	return s.mfaService
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("POST /api/login/mfa", s.rateLimitedHandler(s.authH.CompleteMFA))
	outerMux.HandleFunc("POST /api/login/link", s.rateLimitedHandler(s.authH.LoginWithLink))
	outerMux.HandleFunc("POST /api/login/enroll", s.rateLimitedHandler(s.authH.BeginEnrollment))
	outerMux.HandleFunc("POST /api/login/enroll/verify", s.rateLimitedHandler(s.authH.VerifyEnrollment))
	outerMux.HandleFunc("POST /api/login/enroll/cancel", s.rateLimitedHandler(s.authH.CancelEnrollment))
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.Handler())

	// Protected routes wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessions, s.logger.With("component", "auth_middleware"))
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"), s.trustProxy)(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	byIP := middleware.KeyByIP(s.trustProxy)
	keyFunc := func(r *http.Request) string {
		return r.URL.Path + "|" + byIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, loginRateLimit, loginRateWindow)
	return rl(h).ServeHTTP
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/logout", s.authH.Logout)

	// Two-factor settings
	mux.HandleFunc("GET /api/mfa", s.mfaH.Status)
	mux.HandleFunc("POST /api/mfa/enrollment", s.mfaH.Begin)
	mux.HandleFunc("DELETE /api/mfa/enrollment", s.mfaH.Cancel)
	mux.HandleFunc("GET /api/mfa/enrollment/qr", s.mfaH.QRCode)
	mux.HandleFunc("POST /api/mfa/enrollment/verify", s.mfaH.Verify)
	mux.HandleFunc("POST /api/mfa/disable", s.mfaH.Disable)
	mux.HandleFunc("POST /api/mfa/backup-codes/redeem", s.mfaH.RedeemBackupCode)

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.sessionH.List)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.sessionH.Revoke)
	mux.HandleFunc("POST /api/sessions/revoke-others", s.sessionH.RevokeOthers)
	mux.HandleFunc("POST /api/sessions/revoke-all", s.sessionH.RevokeAll)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
}
