package mfa

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/warden/internal/metrics"
	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// Authenticated is a freshly issued session. Token is the plaintext bearer
// token and is never stored.
type Authenticated struct {
	Session *model.Session `json:"session"`
	Token   string         `json:"token"`
	User    model.Profile  `json:"user"`
}

// Challenge asks the client for a second factor. Ticket is passed back to
// CompleteMFALogin.
type Challenge struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResult holds exactly one of Authenticated or Challenge.
type LoginResult struct {
	Authenticated *Authenticated
	Challenge     *Challenge
}

// LoginProvisioning is the answer to BeginLoginEnrollment: the provisioning
// data and the ticket that carries the login to VerifyAndEnableLogin.
type LoginProvisioning struct {
	Provisioning
	Ticket          string    `json:"ticket"`
	TicketExpiresAt time.Time `json:"ticket_expires_at"`
}

// LoginActivation is a completed login-time enrollment.
type LoginActivation struct {
	Activation
	Authenticated
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// burnPassword spends the same bcrypt work as a real check so unknown
// emails cannot be told apart by timing.
func burnPassword(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("warden-dummy-password"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// authenticatePassword returns the user for email if password matches.
// Unknown email and wrong password are indistinguishable.
func (s *Service) authenticatePassword(email, password string) (*model.User, error) {
	u, err := s.users.GetByEmail(normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if u == nil {
		burnPassword(password)
		return nil, ErrUnauthorized
	}
	if !store.CheckPassword(u, password) {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// Login checks email and password. A user without MFA gets a session; an
// enrolled user gets a challenge. A user who must enroll first gets
// ErrMFARequired and no session.
func (s *Service) Login(ctx context.Context, email, password string, dev model.Device) (*LoginResult, error) {
	u, err := s.authenticatePassword(email, password)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.logger.WarnContext(ctx, "login failed", "origin", dev.OriginAddress)
		}
		return nil, err
	}

	e, err := s.enrollments.GetByUserID(u.ID)
	if err != nil {
		return nil, err
	}
	if e != nil {
		t, token, err := s.tickets.Create(model.TicketMFA, u.ID, credentialStamp(u), s.cfg.Now(), s.cfg.TicketTTL)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Challenge: &Challenge{Ticket: token, ExpiresAt: t.ExpiresAt}}, nil
	}
	if u.MFARequired {
		return nil, ErrMFARequired
	}

	sess, token, err := s.sessions.Issue(ctx, u.ID, dev, model.AuthPassword)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Authenticated: &Authenticated{Session: sess, Token: token, User: u.Profile()}}, nil
}

// loadTicket returns the live ticket for token and its user, or
// ErrHandoffExpired. A ticket that expired or outlived its user's password
// is deleted.
func (s *Service) loadTicket(tx *sql.Tx, token, purpose string) (*model.Ticket, *model.User, error) {
	tickets := s.tickets.WithTx(tx)
	t, err := tickets.GetByToken(token, purpose)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, ErrHandoffExpired
	}
	u, err := s.users.WithTx(tx).GetByID(t.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !s.cfg.Now().Before(t.ExpiresAt) || u == nil || !stampMatches(t, u) {
		if err := tickets.Delete(t.ID); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrHandoffExpired
	}
	return t, u, nil
}

// failAttempt records a wrong code against t. Once the limit is reached the
// ticket is consumed, along with the pending enrollment for enroll tickets,
// and the caller sees ErrHandoffExpired instead of cause.
func (s *Service) failAttempt(tx *sql.Tx, t *model.Ticket, cause error) (error, error) {
	tickets := s.tickets.WithTx(tx)
	n, err := tickets.IncrementAttempts(t.ID)
	if err != nil {
		return nil, err
	}
	if n < s.cfg.MaxAttempts {
		return cause, nil
	}
	if err := tickets.Delete(t.ID); err != nil {
		return nil, err
	}
	if t.Purpose == model.TicketEnroll {
		if err := s.pending.WithTx(tx).Delete(t.UserID); err != nil {
			return nil, err
		}
	}
	return ErrHandoffExpired, nil
}

// splitFailure separates expected outcomes, which must still commit, from
// storage errors, which roll back.
func splitFailure(err error) (failure, fatal error) {
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, ErrHandoffExpired),
		errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrEnrollmentNotFound),
		errors.Is(err, ErrBackupCodeAlreadyUsed),
		errors.Is(err, ErrAlreadyEnrolled):
		return err, nil
	default:
		return nil, err
	}
}

// CompleteMFALogin finishes a challenged login with a TOTP code or a backup
// code. A TOTP code is accepted at most once.
func (s *Service) CompleteMFALogin(ctx context.Context, ticket, code string, dev model.Device) (*Authenticated, error) {
	var (
		result  *Authenticated
		failure error
	)
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		t, u, err := s.loadTicket(tx, ticket, model.TicketMFA)
		if failure, err = splitFailure(err); failure != nil || err != nil {
			return err
		}

		e, err := s.enrollments.WithTx(tx).GetByUserID(u.ID)
		if err != nil {
			return err
		}
		if e == nil {
			failure = ErrHandoffExpired
			return s.tickets.WithTx(tx).Delete(t.ID)
		}

		if err := s.checkSecondFactor(tx, e, code); err != nil {
			if failure, err = splitFailure(err); err != nil {
				return err
			}
			failure, err = s.failAttempt(tx, t, failure)
			return err
		}

		sess, token, err := s.sessions.IssueTx(ctx, tx, u.ID, dev, model.AuthMFA)
		if err != nil {
			return err
		}
		if err := s.tickets.WithTx(tx).Delete(t.ID); err != nil {
			return err
		}
		result = &Authenticated{Session: sess, Token: token, User: u.Profile()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failure != nil {
		s.logger.WarnContext(ctx, "mfa login rejected", "origin", dev.OriginAddress, "reason", failure)
		return nil, failure
	}
	return result, nil
}

// checkSecondFactor accepts a backup code or a TOTP code for a step later
// than the last one used.
func (s *Service) checkSecondFactor(tx *sql.Tx, e *model.Enrollment, code string) error {
	if IsBackupCode(code) {
		return s.redeem(s.backupCodes.WithTx(tx), e.UserID, code)
	}
	step, ok := s.totp.Validate(code, e.Secret, s.cfg.Now())
	if !ok || step <= e.LastUsedStep {
		return ErrInvalidCode
	}
	won, err := s.enrollments.WithTx(tx).AdvanceStep(e.UserID, step)
	if err != nil {
		return err
	}
	if !won {
		return ErrInvalidCode
	}
	return nil
}

// BeginLoginEnrollment checks the password once and starts enrollment for a
// user who has no session yet. The returned ticket stands in for the
// password on the verify call.
func (s *Service) BeginLoginEnrollment(ctx context.Context, email, password string) (*LoginProvisioning, error) {
	u, err := s.authenticatePassword(email, password)
	if err != nil {
		return nil, err
	}

	var out *LoginProvisioning
	err = store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		e, err := s.enrollments.WithTx(tx).GetByUserID(u.ID)
		if err != nil {
			return err
		}
		if e != nil {
			return ErrAlreadyEnrolled
		}
		prov, err := s.begin(s.pending.WithTx(tx), u)
		if err != nil {
			return err
		}
		t, token, err := s.tickets.WithTx(tx).Create(model.TicketEnroll, u.ID, credentialStamp(u), s.cfg.Now(), s.cfg.TicketTTL)
		if err != nil {
			return err
		}
		out = &LoginProvisioning{Provisioning: *prov, Ticket: token, TicketExpiresAt: t.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EnrollmentsStartedTotal.WithLabelValues(flowLogin).Inc()
	s.logger.InfoContext(ctx, "enrollment started", "user_id", u.ID, "flow", flowLogin)
	return out, nil
}

// VerifyAndEnableLogin completes a login-time enrollment. Activation, backup
// codes and the user's first session commit together; a failure at any step
// leaves MFA off and no session behind.
func (s *Service) VerifyAndEnableLogin(ctx context.Context, ticket, code string, dev model.Device) (*LoginActivation, error) {
	var (
		result  *LoginActivation
		failure error
		userID  int64
	)
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		t, u, err := s.loadTicket(tx, ticket, model.TicketEnroll)
		if failure, err = splitFailure(err); failure != nil || err != nil {
			return err
		}
		userID = u.ID

		e, err := s.enrollments.WithTx(tx).GetByUserID(u.ID)
		if err != nil {
			return err
		}
		if e != nil {
			failure = ErrAlreadyEnrolled
			return s.tickets.WithTx(tx).Delete(t.ID)
		}

		p, step, err := s.checkPending(s.pending.WithTx(tx), u.ID, code)
		switch {
		case errors.Is(err, ErrEnrollmentNotFound):
			failure = err
			return s.tickets.WithTx(tx).Delete(t.ID)
		case errors.Is(err, ErrInvalidCode):
			failure, err = s.failAttempt(tx, t, err)
			return err
		case err != nil:
			return err
		}

		act, err := s.activate(tx, p, step)
		if err != nil {
			return err
		}
		sess, token, err := s.sessions.IssueTx(ctx, tx, u.ID, dev, model.AuthMFAEnroll)
		if err != nil {
			return err
		}
		if err := s.tickets.WithTx(tx).Delete(t.ID); err != nil {
			return err
		}
		result = &LoginActivation{
			Activation:    *act,
			Authenticated: Authenticated{Session: sess, Token: token, User: u.Profile()},
		}
		return nil
	})
	if err == nil {
		err = failure
	}
	s.recordVerification(ctx, flowLogin, userID, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AbandonLoginEnrollment discards a login-time enrollment. Unknown or
// expired tickets are ignored.
func (s *Service) AbandonLoginEnrollment(ctx context.Context, ticket string) error {
	return store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		tickets := s.tickets.WithTx(tx)
		t, err := tickets.GetByToken(ticket, model.TicketEnroll)
		if err != nil || t == nil {
			return err
		}
		if err := tickets.Delete(t.ID); err != nil {
			return err
		}
		return s.pending.WithTx(tx).Delete(t.UserID)
	})
}

// IssueLoginLink creates a one-time login code for email. Only the operator
// CLI issues codes; the HTTP API can redeem but never mint them.
func (s *Service) IssueLoginLink(ctx context.Context, email string) (*model.LoginLink, error) {
	email = normalizeEmail(email)
	u, err := s.users.GetByEmail(email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnknownUser
	}
	ll, err := s.links.Create(u.Email, s.cfg.Now(), s.cfg.LinkTTL)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "login link issued", "user_id", u.ID, "expires_at", ll.ExpiresAt)
	return ll, nil
}

// LoginWithLink redeems a login link. The session it yields is marked so
// that MFA can be disabled from it without the password.
func (s *Service) LoginWithLink(ctx context.Context, email, code string, dev model.Device) (*Authenticated, error) {
	email = normalizeEmail(email)
	var (
		result  *Authenticated
		failure error
	)
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		links := s.links.WithTx(tx)
		ll, err := links.GetLatestByEmail(email)
		if err != nil {
			return err
		}
		if ll == nil || !s.cfg.Now().Before(ll.ExpiresAt) || ll.Attempts >= s.cfg.MaxAttempts {
			failure = ErrUnauthorized
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(ll.Token), []byte(strings.TrimSpace(code))) != 1 {
			failure = ErrUnauthorized
			_, err := links.IncrementAttempts(ll.ID)
			return err
		}
		won, err := links.MarkUsed(ll.ID, s.cfg.Now())
		if err != nil {
			return err
		}
		u, err := s.users.WithTx(tx).GetByEmail(email)
		if err != nil {
			return err
		}
		if !won || u == nil {
			failure = ErrUnauthorized
			return nil
		}
		sess, token, err := s.sessions.IssueTx(ctx, tx, u.ID, dev, model.AuthLoginLink)
		if err != nil {
			return err
		}
		result = &Authenticated{Session: sess, Token: token, User: u.Profile()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failure != nil {
		s.logger.WarnContext(ctx, "login link rejected", "origin", dev.OriginAddress)
		return nil, failure
	}
	return result, nil
}
