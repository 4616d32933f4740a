package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/warden/internal/model"
)

// TicketStore holds single-use references that carry an unauthenticated
// login across two requests. Only token hashes are stored.
type TicketStore struct {
	db DBTX
}

func NewTicketStore(db DBTX) *TicketStore {
	return &TicketStore{db: db}
}

func (s *TicketStore) WithTx(tx *sql.Tx) *TicketStore {
	return &TicketStore{db: tx}
}

func scanTicket(scanner interface{ Scan(...any) error }) (*model.Ticket, error) {
	var t model.Ticket
	err := scanner.Scan(&t.ID, &t.TokenHash, &t.Purpose, &t.UserID, &t.CredentialStamp, &t.Attempts, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const ticketCols = `id, token_hash, purpose, user_id, credential_stamp, attempts, expires_at, created_at`

// Create issues a ticket for userID. Earlier tickets of the same purpose for
// the user are deleted first so only the newest one is live.
func (s *TicketStore) Create(purpose string, userID int64, stamp string, now time.Time, ttl time.Duration) (*model.Ticket, string, error) {
	if _, err := s.db.Exec(`DELETE FROM enrollment_tickets WHERE user_id = ? AND purpose = ?`, userID, purpose); err != nil {
		return nil, "", fmt.Errorf("invalidate previous tickets: %w", err)
	}

	token, err := NewToken()
	if err != nil {
		return nil, "", err
	}
	now = now.UTC()
	result, err := s.db.Exec(
		`INSERT INTO enrollment_tickets (token_hash, purpose, user_id, credential_stamp, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		HashToken(token), purpose, userID, stamp, now.Add(ttl), now,
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert ticket: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+ticketCols+` FROM enrollment_tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, "", fmt.Errorf("read ticket: %w", err)
	}
	return t, token, nil
}

// GetByToken returns the ticket for token and purpose, or nil if absent.
// Expiry is left to the caller.
func (s *TicketStore) GetByToken(token, purpose string) (*model.Ticket, error) {
	row := s.db.QueryRow(
		`SELECT `+ticketCols+` FROM enrollment_tickets WHERE token_hash = ? AND purpose = ?`,
		HashToken(token), purpose,
	)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// IncrementAttempts increments the attempt count and returns the new value.
func (s *TicketStore) IncrementAttempts(id int64) (int, error) {
	var attempts int
	err := s.db.QueryRow(
		`UPDATE enrollment_tickets SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (s *TicketStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM enrollment_tickets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

func (s *TicketStore) DeleteExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM enrollment_tickets WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired tickets: %w", err)
	}
	return rowsAffected(result)
}
