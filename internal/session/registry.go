// Package session tracks authenticated sessions per user. Revocation is a
// hard delete and every authentication re-reads the row, so a revoked
// session fails on its very next request.
package session

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/warden/internal/metrics"
	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/store"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrNoCurrentSession is returned when a bulk "revoke others" call does
	// not name the caller's own session.
	ErrNoCurrentSession = errors.New("current session required")
)

const touchInterval = time.Minute

// Notifier is told about every revocation after it commits.
type Notifier interface {
	SessionsRevoked(userID int64, sessionIDs []string)
}

type Config struct {
	TTL time.Duration
	Now func() time.Time
}

type Registry struct {
	db       *sql.DB
	sessions *store.SessionStore
	ttl      time.Duration
	now      func() time.Time
	notifier Notifier
	logger   *slog.Logger
}

func NewRegistry(db *sql.DB, cfg Config, logger *slog.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		db:       db,
		sessions: store.NewSessionStore(db),
		ttl:      cfg.TTL,
		now:      cfg.Now,
		logger:   logger,
	}
}

// SetNotifier installs the revocation listener.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Issue creates a session for userID and returns it with its bearer token.
func (r *Registry) Issue(ctx context.Context, userID int64, dev model.Device, method string) (*model.Session, string, error) {
	return r.issue(ctx, r.sessions, userID, dev, method)
}

// IssueTx creates a session inside the caller's transaction, so the session
// only becomes visible if the surrounding work commits.
func (r *Registry) IssueTx(ctx context.Context, tx *sql.Tx, userID int64, dev model.Device, method string) (*model.Session, string, error) {
	return r.issue(ctx, r.sessions.WithTx(tx), userID, dev, method)
}

func (r *Registry) issue(ctx context.Context, ss *store.SessionStore, userID int64, dev model.Device, method string) (*model.Session, string, error) {
	sess, token, err := ss.Create(userID, dev, method, r.now(), r.ttl)
	if err != nil {
		return nil, "", err
	}
	metrics.SessionsIssuedTotal.WithLabelValues(method).Inc()
	r.logger.InfoContext(ctx, "session issued", "user_id", userID, "session_id", sess.ID, "method", method)
	return sess, token, nil
}

// Authenticate resolves a bearer token to its live session.
func (r *Registry) Authenticate(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	sess, err := r.sessions.GetByToken(token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}

	now := r.now()
	if !now.Before(sess.ExpiresAt) {
		if _, err := r.sessions.DeleteForUser(sess.UserID, sess.ID); err != nil {
			r.logger.WarnContext(ctx, "delete expired session", "error", err)
		}
		return nil, ErrNotFound
	}

	if now.Sub(sess.LastActiveAt) >= touchInterval {
		if err := r.sessions.Touch(sess.ID, now); err != nil {
			r.logger.WarnContext(ctx, "touch session", "error", err)
		} else {
			sess.LastActiveAt = now.UTC()
		}
	}
	return sess, nil
}

// List returns the user's live sessions with IsCurrent set on currentID.
func (r *Registry) List(ctx context.Context, userID int64, currentID string) ([]model.Session, error) {
	sessions, err := r.sessions.ListByUserID(userID, r.now())
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].IsCurrent = sessions[i].ID == currentID
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return sessions, nil
}

// Revoke deletes one of userID's sessions. A session that is already gone
// yields ErrNotFound.
func (r *Registry) Revoke(ctx context.Context, userID int64, sessionID string) error {
	existed, err := r.sessions.DeleteForUser(userID, sessionID)
	if err != nil {
		return err
	}
	if !existed {
		return ErrNotFound
	}
	r.revoked(ctx, "single", userID, []string{sessionID})
	return nil
}

// RevokeAllOthers deletes every session of userID except currentID and
// returns how many were removed. The caller's own session always survives.
func (r *Registry) RevokeAllOthers(ctx context.Context, userID int64, currentID string) (int, error) {
	if currentID == "" {
		return 0, ErrNoCurrentSession
	}
	ids, err := r.sessions.DeleteOthers(userID, currentID)
	if err != nil {
		return 0, err
	}
	r.revoked(ctx, "others", userID, ids)
	return len(ids), nil
}

// RevokeAll logs the user out everywhere, the caller included.
func (r *Registry) RevokeAll(ctx context.Context, userID int64) (int, error) {
	ids, err := r.sessions.DeleteByUserID(userID)
	if err != nil {
		return 0, err
	}
	r.revoked(ctx, "all", userID, ids)
	return len(ids), nil
}

func (r *Registry) revoked(ctx context.Context, kind string, userID int64, ids []string) {
	if len(ids) == 0 {
		return
	}
	metrics.SessionsRevokedTotal.WithLabelValues(kind).Add(float64(len(ids)))
	r.logger.InfoContext(ctx, "sessions revoked", "user_id", userID, "kind", kind, "count", len(ids))
	if r.notifier != nil {
		r.notifier.SessionsRevoked(userID, ids)
	}
}

// DeleteExpired reclaims storage held by expired sessions.
func (r *Registry) DeleteExpired() (int64, error) {
	return r.sessions.DeleteExpired(r.now())
}
