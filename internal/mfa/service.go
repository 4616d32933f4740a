// Package mfa implements TOTP enrollment, verification, backup codes and
// the login flows that depend on them.
//
// Enrollment has two variants sharing one core. The settings variant runs
// for an authenticated user and ends in an activation. The login-time
// variant runs before any session exists, is carried between its two calls
// by a server-held single-use ticket, and ends in an activation plus the
// user's first session. Activation and session issue commit together or not
// at all.
package mfa

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/warden/internal/email"
	"github.com/dukerupert/warden/internal/metrics"
	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/secretbox"
	"github.com/dukerupert/warden/internal/session"
	"github.com/dukerupert/warden/internal/store"
	"github.com/dukerupert/warden/internal/totp"
)

const (
	flowSettings = "settings"
	flowLogin    = "login"
)

type Config struct {
	Issuer          string
	PendingTTL      time.Duration
	TicketTTL       time.Duration
	LinkTTL         time.Duration
	BackupCodeCount int
	MaxAttempts     int
	Skew            uint
	Now             func() time.Time
}

func (c *Config) setDefaults() {
	if c.Issuer == "" {
		c.Issuer = "Warden"
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 15 * time.Minute
	}
	if c.TicketTTL <= 0 {
		c.TicketTTL = 5 * time.Minute
	}
	if c.LinkTTL <= 0 {
		c.LinkTTL = 15 * time.Minute
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Service struct {
	db          *sql.DB
	users       *store.UserStore
	pending     *store.PendingEnrollmentStore
	enrollments *store.EnrollmentStore
	backupCodes *store.BackupCodeStore
	tickets     *store.TicketStore
	links       *store.LoginLinkStore
	sessions    *session.Registry
	totp        *totp.Provisioner
	mailer      SecurityMailer
	changes     ChangeNotifier
	cfg         Config
	logger      *slog.Logger
}

// SecurityMailer is told when a user's second factor changes.
type SecurityMailer interface {
	SendSecurityNotice(ctx context.Context, to, notice string) error
}

// ChangeNotifier is told when a user's second factor changes so live
// clients can refresh.
type ChangeNotifier interface {
	MFAChanged(userID int64)
}

func NewService(db *sql.DB, box *secretbox.Box, sessions *session.Registry, cfg Config, logger *slog.Logger) *Service {
	cfg.setDefaults()
	return &Service{
		db:          db,
		users:       store.NewUserStore(db),
		pending:     store.NewPendingEnrollmentStore(db, box),
		enrollments: store.NewEnrollmentStore(db, box),
		backupCodes: store.NewBackupCodeStore(db),
		tickets:     store.NewTicketStore(db),
		links:       store.NewLoginLinkStore(db),
		sessions:    sessions,
		totp:        totp.NewProvisioner(cfg.Issuer, cfg.Skew),
		cfg:         cfg,
		logger:      logger,
	}
}

// SetMailer installs the security notice sender. Without one no notices
// are sent.
func (s *Service) SetMailer(m SecurityMailer) {
	s.mailer = m
}

// SetChangeNotifier installs the listener for enable and disable.
func (s *Service) SetChangeNotifier(n ChangeNotifier) {
	s.changes = n
}

// notify announces a committed change and sends the security notice.
// Delivery failures are logged and never undo the change.
func (s *Service) notify(ctx context.Context, userID int64, notice string) {
	if s.changes != nil {
		s.changes.MFAChanged(userID)
	}
	if s.mailer == nil {
		return
	}
	u, err := s.users.GetByID(userID)
	if err != nil || u == nil {
		s.logger.WarnContext(ctx, "security notice: load user", "user_id", userID, "error", err)
		return
	}
	if err := s.mailer.SendSecurityNotice(ctx, u.Email, notice); err != nil {
		s.logger.WarnContext(ctx, "send security notice", "user_id", userID, "notice", notice, "error", err)
	}
}

// Provisioning is what the user needs to configure an authenticator app.
// The secret is only ever returned here.
type Provisioning struct {
	Secret    string    `json:"secret"`
	URI       string    `json:"uri"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Activation confirms MFA is on. BackupCodes are plaintext and shown once.
type Activation struct {
	BackupCodes []string  `json:"backup_codes"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Status describes the persisted enrollment state of a user. State is
// StateVerify whenever a live pending secret exists, including during
// rotation of an active enrollment.
type Status struct {
	State                State      `json:"state"`
	Enabled              bool       `json:"enabled"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	PendingExpiresAt     *time.Time `json:"pending_expires_at,omitempty"`
}

// BeginEnrollment creates a pending secret for an authenticated user,
// replacing any earlier pending one. It is allowed while MFA is already on;
// activation then rotates the secret and backup codes.
func (s *Service) BeginEnrollment(ctx context.Context, userID int64) (*Provisioning, error) {
	u, err := s.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnknownUser
	}
	prov, err := s.begin(s.pending, u)
	if err != nil {
		return nil, err
	}
	metrics.EnrollmentsStartedTotal.WithLabelValues(flowSettings).Inc()
	s.logger.InfoContext(ctx, "enrollment started", "user_id", u.ID, "flow", flowSettings)
	return prov, nil
}

func (s *Service) begin(pending *store.PendingEnrollmentStore, u *model.User) (*Provisioning, error) {
	key, err := s.totp.Generate(u.Email)
	if err != nil {
		return nil, err
	}
	now := s.cfg.Now().UTC()
	p := &model.PendingEnrollment{
		UserID:    u.ID,
		Secret:    key.Secret,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.PendingTTL),
	}
	if err := pending.Upsert(p); err != nil {
		return nil, err
	}
	return &Provisioning{Secret: key.Secret, URI: key.URI, ExpiresAt: p.ExpiresAt}, nil
}

// PendingQRCode renders the pending enrollment's provisioning URI as a PNG.
func (s *Service) PendingQRCode(ctx context.Context, userID int64, size int) ([]byte, error) {
	u, err := s.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnknownUser
	}
	p, err := s.pending.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Expired(s.cfg.Now()) {
		return nil, ErrEnrollmentNotFound
	}
	uri, err := s.totp.URI(u.Email, p.Secret)
	if err != nil {
		return nil, err
	}
	return totp.QRCode(uri, size)
}

// VerifyAndEnable checks code against the user's pending secret and, on a
// match, activates MFA and issues a fresh batch of backup codes in one
// transaction. A wrong code leaves the pending enrollment in place.
func (s *Service) VerifyAndEnable(ctx context.Context, userID int64, code string) (*Activation, error) {
	var act *Activation
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		p, step, err := s.checkPending(s.pending.WithTx(tx), userID, code)
		if err != nil {
			return err
		}
		act, err = s.activate(tx, p, step)
		return err
	})
	s.recordVerification(ctx, flowSettings, userID, err)
	if err != nil {
		return nil, err
	}
	return act, nil
}

// checkPending loads the pending enrollment and validates code against it.
// Expiry is checked first so an expired enrollment is never reported as a
// wrong code.
func (s *Service) checkPending(pending *store.PendingEnrollmentStore, userID int64, code string) (*model.PendingEnrollment, int64, error) {
	p, err := pending.GetByUserID(userID)
	if err != nil {
		return nil, 0, err
	}
	now := s.cfg.Now()
	if p == nil || p.Expired(now) {
		return nil, 0, ErrEnrollmentNotFound
	}
	step, ok := s.totp.Validate(code, p.Secret, now)
	if !ok {
		return nil, 0, ErrInvalidCode
	}
	return p, step, nil
}

// activate promotes p to the user's only enrollment, replaces the backup
// code batch and removes the pending row. It must run inside tx.
func (s *Service) activate(tx *sql.Tx, p *model.PendingEnrollment, step int64) (*Activation, error) {
	now := s.cfg.Now().UTC()
	err := s.enrollments.WithTx(tx).Replace(&model.Enrollment{
		UserID:       p.UserID,
		Secret:       p.Secret,
		Enabled:      true,
		ActivatedAt:  now,
		LastUsedStep: step,
	})
	if err != nil {
		return nil, err
	}

	codes, hashes, err := GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := s.backupCodes.WithTx(tx).ReplaceAll(p.UserID, hashes, now); err != nil {
		return nil, err
	}
	if err := s.pending.WithTx(tx).Delete(p.UserID); err != nil {
		return nil, err
	}
	return &Activation{BackupCodes: codes, ActivatedAt: now}, nil
}

func (s *Service) recordVerification(ctx context.Context, flow string, userID int64, err error) {
	outcome := "success"
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "mfa enabled", "user_id", userID, "flow", flow)
		s.notify(ctx, userID, email.NoticeMFAEnabled)
	case errors.Is(err, ErrInvalidCode):
		outcome = "invalid_code"
	case errors.Is(err, ErrEnrollmentNotFound):
		outcome = "expired"
	case errors.Is(err, ErrHandoffExpired):
		outcome = "handoff_expired"
	case errors.Is(err, ErrAlreadyEnrolled):
		outcome = "already_enrolled"
	default:
		outcome = "error"
		s.logger.ErrorContext(ctx, "verify and enable", "flow", flow, "error", err)
	}
	metrics.VerificationsTotal.WithLabelValues(flow, outcome).Inc()
}

// Status reports the user's enrollment state as persisted.
func (s *Service) Status(ctx context.Context, userID int64) (*Status, error) {
	e, err := s.enrollments.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	st := &Status{State: StateIdle}
	if e != nil {
		st.State = StateEnabled
		st.Enabled = true
		st.ActivatedAt = &e.ActivatedAt
		n, err := s.backupCodes.CountUnused(userID)
		if err != nil {
			return nil, err
		}
		st.BackupCodesRemaining = n
	}

	p, err := s.pending.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if p != nil && !p.Expired(s.cfg.Now()) {
		st.State = StateVerify
		st.PendingExpiresAt = &p.ExpiresAt
	}
	return st, nil
}

// State derives the user's current enrollment state.
func (s *Service) State(ctx context.Context, userID int64) (State, error) {
	st, err := s.Status(ctx, userID)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// CancelEnrollment discards the user's pending secret. An active enrollment
// is left untouched.
func (s *Service) CancelEnrollment(ctx context.Context, userID int64) error {
	if err := s.pending.Delete(userID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "enrollment cancelled", "user_id", userID)
	return nil
}

// Disable turns MFA off and deletes the enrollment, every backup code and
// any pending secret. The caller must prove the password again unless the
// current session came from a one-time login link.
func (s *Service) Disable(ctx context.Context, userID int64, current *model.Session, password string) error {
	u, err := s.users.GetByID(userID)
	if err != nil {
		return err
	}
	if u == nil || current == nil || current.UserID != userID {
		return ErrUnauthorized
	}
	if current.AuthMethod != model.AuthLoginLink && !store.CheckPassword(u, password) {
		s.logger.WarnContext(ctx, "disable mfa: password re-proof failed", "user_id", userID)
		return ErrUnauthorized
	}

	err = store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		existed, err := s.enrollments.WithTx(tx).Delete(userID)
		if err != nil {
			return err
		}
		if !existed {
			return ErrNotEnrolled
		}
		if err := s.backupCodes.WithTx(tx).DeleteByUserID(userID); err != nil {
			return err
		}
		return s.pending.WithTx(tx).Delete(userID)
	})
	if err != nil {
		return err
	}
	metrics.MFADisabledTotal.Inc()
	s.logger.InfoContext(ctx, "mfa disabled", "user_id", userID, "via", current.AuthMethod)
	s.notify(ctx, userID, email.NoticeMFADisabled)
	return nil
}

// RedeemBackupCode consumes one of the user's backup codes.
func (s *Service) RedeemBackupCode(ctx context.Context, userID int64, code string) error {
	err := s.redeem(s.backupCodes, userID, code)
	s.recordRedemption(ctx, userID, err)
	return err
}

func (s *Service) redeem(codes *store.BackupCodeStore, userID int64, code string) error {
	norm, ok := NormalizeBackupCode(code)
	if !ok {
		return ErrInvalidCode
	}
	c, err := codes.GetByHash(userID, HashBackupCode(norm))
	if err != nil {
		return err
	}
	if c == nil {
		return ErrInvalidCode
	}
	if c.Used {
		return ErrBackupCodeAlreadyUsed
	}
	won, err := codes.MarkUsed(c.ID, s.cfg.Now())
	if err != nil {
		return err
	}
	if !won {
		return ErrBackupCodeAlreadyUsed
	}
	return nil
}

func (s *Service) recordRedemption(ctx context.Context, userID int64, err error) {
	outcome := "success"
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "backup code redeemed", "user_id", userID)
	case errors.Is(err, ErrInvalidCode):
		outcome = "invalid_code"
	case errors.Is(err, ErrBackupCodeAlreadyUsed):
		outcome = "already_used"
	default:
		outcome = "error"
	}
	metrics.BackupCodeRedemptionsTotal.WithLabelValues(outcome).Inc()
}

// credentialStamp fingerprints the user's current password hash. A ticket
// minted under one password is dead once the password changes.
func credentialStamp(u *model.User) string {
	return store.HashToken("credential:" + u.PasswordHash)
}

func stampMatches(t *model.Ticket, u *model.User) bool {
	return subtle.ConstantTimeCompare([]byte(t.CredentialStamp), []byte(credentialStamp(u))) == 1
}

// Sweep deletes expired pending enrollments, tickets, login links and
// sessions. Expiry is always enforced at use; this only reclaims storage.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.cfg.Now()
	var errs []error
	record := func(what string, n int64, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", what, err))
			return
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "cleaned up expired rows", "kind", what, "count", n)
		}
	}

	n, err := s.pending.DeleteExpired(now)
	record("pending enrollments", n, err)
	n, err = s.tickets.DeleteExpired(now)
	record("tickets", n, err)
	n, err = s.links.DeleteExpired(now)
	record("login links", n, err)
	n, err = s.sessions.DeleteExpired()
	record("sessions", n, err)

	return errors.Join(errs...)
}
