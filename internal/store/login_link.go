package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/dukerupert/warden/internal/model"
)

// LoginLinkStore holds operator-issued one-time login codes. Sessions they
// produce are marked as reduced-trust.
type LoginLinkStore struct {
	db DBTX
}

func NewLoginLinkStore(db DBTX) *LoginLinkStore {
	return &LoginLinkStore{db: db}
}

func (s *LoginLinkStore) WithTx(tx *sql.Tx) *LoginLinkStore {
	return &LoginLinkStore{db: tx}
}

func scanLoginLink(scanner interface{ Scan(...any) error }) (*model.LoginLink, error) {
	var ll model.LoginLink
	var usedAt sql.NullTime

	err := scanner.Scan(&ll.ID, &ll.Token, &ll.Email, &ll.ExpiresAt, &usedAt, &ll.Attempts, &ll.CreatedAt)
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		ll.UsedAt = &usedAt.Time
	}
	return &ll, nil
}

const loginLinkCols = `id, token, email, expires_at, used_at, attempts, created_at`

// generateCode returns an 8-digit numeric code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(90000000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()+10000000), nil
}

// Create generates a new login link with the given expiry.
// Any previous pending codes for the same email are invalidated first.
func (s *LoginLinkStore) Create(email string, now time.Time, ttl time.Duration) (*model.LoginLink, error) {
	now = now.UTC()
	_, err := s.db.Exec(
		`UPDATE login_links SET used_at = ? WHERE email = ? AND used_at IS NULL`,
		now, email,
	)
	if err != nil {
		return nil, fmt.Errorf("invalidate previous codes: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}

	result, err := s.db.Exec(
		`INSERT INTO login_links (token, email, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		code, email, now.Add(ttl), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert login link: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+loginLinkCols+` FROM login_links WHERE id = ?`, id)
	return scanLoginLink(row)
}

// GetLatestByEmail returns the most recent unused code for an email, or nil.
// Expiry is left to the caller.
func (s *LoginLinkStore) GetLatestByEmail(email string) (*model.LoginLink, error) {
	row := s.db.QueryRow(
		`SELECT `+loginLinkCols+` FROM login_links WHERE email = ? AND used_at IS NULL ORDER BY id DESC LIMIT 1`,
		email,
	)
	ll, err := scanLoginLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest login link by email: %w", err)
	}
	return ll, nil
}

// IncrementAttempts increments the attempt count and returns the new value.
func (s *LoginLinkStore) IncrementAttempts(id int64) (int, error) {
	var attempts int
	err := s.db.QueryRow(
		`UPDATE login_links SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// MarkUsed consumes the link and reports whether this call won.
func (s *LoginLinkStore) MarkUsed(id int64, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE login_links SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark login link used: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LoginLinkStore) DeleteExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM login_links WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired login links: %w", err)
	}
	return rowsAffected(result)
}
