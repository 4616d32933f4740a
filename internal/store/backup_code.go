package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/warden/internal/model"
)

type BackupCodeStore struct {
	db DBTX
}

func NewBackupCodeStore(db DBTX) *BackupCodeStore {
	return &BackupCodeStore{db: db}
}

func (s *BackupCodeStore) WithTx(tx *sql.Tx) *BackupCodeStore {
	return &BackupCodeStore{db: tx}
}

func scanBackupCode(scanner interface{ Scan(...any) error }) (*model.BackupCode, error) {
	var c model.BackupCode
	var usedAt sql.NullTime
	err := scanner.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &usedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		c.UsedAt = &usedAt.Time
	}
	return &c, nil
}

const backupCodeCols = `id, user_id, code_hash, used, used_at, created_at`

// ReplaceAll deletes the user's existing batch and inserts the given hashes.
// Callers run it inside the activation transaction.
func (s *BackupCodeStore) ReplaceAll(userID int64, hashes []string, now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete old backup codes: %w", err)
	}
	for _, h := range hashes {
		_, err := s.db.Exec(
			`INSERT INTO backup_codes (user_id, code_hash, created_at) VALUES (?, ?, ?)`,
			userID, h, now.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return nil
}

// GetByHash returns the code with the given hash for the user, used or not.
func (s *BackupCodeStore) GetByHash(userID int64, hash string) (*model.BackupCode, error) {
	row := s.db.QueryRow(
		`SELECT `+backupCodeCols+` FROM backup_codes WHERE user_id = ? AND code_hash = ?`,
		userID, hash,
	)
	c, err := scanBackupCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup code: %w", err)
	}
	return c, nil
}

// MarkUsed flips used to true only if it is still false, and reports whether
// this call won. A used code never transitions back.
func (s *BackupCodeStore) MarkUsed(id int64, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE backup_codes SET used = 1, used_at = ? WHERE id = ? AND used = 0`,
		now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark backup code used: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountUnused returns how many codes of the current batch remain.
func (s *BackupCodeStore) CountUnused(userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_codes WHERE user_id = ? AND used = 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backup codes: %w", err)
	}
	return n, nil
}

func (s *BackupCodeStore) DeleteByUserID(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM backup_codes WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	return nil
}
