package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/secretbox"
)

// EnrollmentStore holds activated MFA enrollments.
type EnrollmentStore struct {
	db  DBTX
	box *secretbox.Box
}

func NewEnrollmentStore(db DBTX, box *secretbox.Box) *EnrollmentStore {
	return &EnrollmentStore{db: db, box: box}
}

func (s *EnrollmentStore) WithTx(tx *sql.Tx) *EnrollmentStore {
	return &EnrollmentStore{db: tx, box: s.box}
}

const enrollmentCols = `user_id, secret_enc, enabled, activated_at, last_used_step`

// Replace writes e as the user's only enrollment, overwriting any prior one.
func (s *EnrollmentStore) Replace(e *model.Enrollment) error {
	sealed, err := s.box.Seal(e.Secret, secretAAD("active", e.UserID))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO mfa_enrollments (user_id, secret_enc, enabled, activated_at, last_used_step) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET secret_enc = excluded.secret_enc, enabled = 1,
		 activated_at = excluded.activated_at, last_used_step = excluded.last_used_step`,
		e.UserID, sealed, e.ActivatedAt.UTC(), e.LastUsedStep,
	)
	if err != nil {
		return fmt.Errorf("replace enrollment: %w", err)
	}
	return nil
}

func (s *EnrollmentStore) GetByUserID(userID int64) (*model.Enrollment, error) {
	var e model.Enrollment
	var sealed string
	err := s.db.QueryRow(`SELECT `+enrollmentCols+` FROM mfa_enrollments WHERE user_id = ? AND enabled = 1`, userID).
		Scan(&e.UserID, &sealed, &e.Enabled, &e.ActivatedAt, &e.LastUsedStep)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	e.Secret, err = s.box.Open(sealed, secretAAD("active", e.UserID))
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return &e, nil
}

// AdvanceStep records step as the last accepted TOTP time step. It reports
// false when step is not newer than the stored one, so a code cannot be
// replayed within its validity window.
func (s *EnrollmentStore) AdvanceStep(userID, step int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE mfa_enrollments SET last_used_step = ? WHERE user_id = ? AND last_used_step < ?`,
		step, userID, step,
	)
	if err != nil {
		return false, fmt.Errorf("advance step: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes the enrollment and reports whether one existed.
func (s *EnrollmentStore) Delete(userID int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM mfa_enrollments WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("delete enrollment: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
