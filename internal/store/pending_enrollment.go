package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/secretbox"
)

// PendingEnrollmentStore holds unconfirmed TOTP secrets, at most one per user.
// Secrets are sealed with the box before they reach the database.
type PendingEnrollmentStore struct {
	db  DBTX
	box *secretbox.Box
}

func NewPendingEnrollmentStore(db DBTX, box *secretbox.Box) *PendingEnrollmentStore {
	return &PendingEnrollmentStore{db: db, box: box}
}

func (s *PendingEnrollmentStore) WithTx(tx *sql.Tx) *PendingEnrollmentStore {
	return &PendingEnrollmentStore{db: tx, box: s.box}
}

// secretAAD binds a sealed secret to its owner and table so rows cannot be
// swapped between users or between pending and active state.
func secretAAD(kind string, userID int64) []byte {
	return []byte(kind + ":" + strconv.FormatInt(userID, 10))
}

const pendingCols = `user_id, secret_enc, created_at, expires_at`

// Upsert stores p, replacing any earlier pending enrollment for the same user.
func (s *PendingEnrollmentStore) Upsert(p *model.PendingEnrollment) error {
	sealed, err := s.box.Seal(p.Secret, secretAAD("pending", p.UserID))
	if err != nil {
		return fmt.Errorf("seal pending secret: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO pending_enrollments (user_id, secret_enc, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET secret_enc = excluded.secret_enc, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		p.UserID, sealed, p.CreatedAt.UTC(), p.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert pending enrollment: %w", err)
	}
	return nil
}

// GetByUserID returns the pending enrollment, expired or not, or nil if none exists.
func (s *PendingEnrollmentStore) GetByUserID(userID int64) (*model.PendingEnrollment, error) {
	var p model.PendingEnrollment
	var sealed string
	err := s.db.QueryRow(`SELECT `+pendingCols+` FROM pending_enrollments WHERE user_id = ?`, userID).
		Scan(&p.UserID, &sealed, &p.CreatedAt, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending enrollment: %w", err)
	}
	p.Secret, err = s.box.Open(sealed, secretAAD("pending", p.UserID))
	if err != nil {
		return nil, fmt.Errorf("open pending secret: %w", err)
	}
	return &p, nil
}

func (s *PendingEnrollmentStore) Delete(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_enrollments WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete pending enrollment: %w", err)
	}
	return nil
}

func (s *PendingEnrollmentStore) DeleteExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM pending_enrollments WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired pending enrollments: %w", err)
	}
	return rowsAffected(result)
}
