package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/warden/internal/model"
	"github.com/google/uuid"
)

type SessionStore struct {
	db DBTX
}

func NewSessionStore(db DBTX) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) WithTx(tx *sql.Tx) *SessionStore {
	return &SessionStore{db: tx}
}

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	err := scanner.Scan(
		&sess.ID, &sess.UserID, &sess.TokenHash, &sess.DeviceLabel, &sess.OriginAddress,
		&sess.UserAgent, &sess.AuthMethod, &sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

const sessionCols = `id, user_id, token_hash, device_label, origin_address, user_agent, auth_method, created_at, last_active_at, expires_at`

// Create generates a crypto-random bearer token, stores only its hash, and
// returns the session together with the plaintext token.
func (s *SessionStore) Create(userID int64, dev model.Device, method string, now time.Time, ttl time.Duration) (*model.Session, string, error) {
	token, err := NewToken()
	if err != nil {
		return nil, "", err
	}
	now = now.UTC()
	sess := &model.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		TokenHash:     HashToken(token),
		DeviceLabel:   dev.Label,
		OriginAddress: dev.OriginAddress,
		UserAgent:     dev.UserAgent,
		AuthMethod:    method,
		CreatedAt:     now,
		LastActiveAt:  now,
		ExpiresAt:     now.Add(ttl),
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.DeviceLabel, sess.OriginAddress,
		sess.UserAgent, sess.AuthMethod, sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert session: %w", err)
	}
	return sess, token, nil
}

// GetByToken returns the session for the given bearer token, or nil if it
// does not exist. Expiry is left to the caller.
func (s *SessionStore) GetByToken(token string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE token_hash = ?`, HashToken(token))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) GetByID(id string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListByUserID returns the user's unexpired sessions, most recently active first.
func (s *SessionStore) ListByUserID(userID int64, now time.Time) ([]model.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionCols+` FROM sessions WHERE user_id = ? ORDER BY last_active_at DESC, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if !now.Before(sess.ExpiresAt) {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) Touch(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ?`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteForUser removes one session owned by userID and reports whether it existed.
func (s *SessionStore) DeleteForUser(userID int64, id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteOthers removes every session of userID except keepID and returns the
// removed ids.
func (s *SessionStore) DeleteOthers(userID int64, keepID string) ([]string, error) {
	return s.deleteWhere(`user_id = ? AND id <> ?`, userID, keepID)
}

// DeleteByUserID removes every session of userID and returns the removed ids.
func (s *SessionStore) DeleteByUserID(userID int64) ([]string, error) {
	return s.deleteWhere(`user_id = ?`, userID)
}

func (s *SessionStore) deleteWhere(where string, args ...any) ([]string, error) {
	rows, err := s.db.Query(`DELETE FROM sessions WHERE `+where+` RETURNING id`, args...)
	if err != nil {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SessionStore) DeleteExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return rowsAffected(result)
}
