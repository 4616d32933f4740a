package model

import "time"

// PendingEnrollment is a generated TOTP secret that has not been confirmed.
// It carries no authentication power.
type PendingEnrollment struct {
	UserID    int64     `json:"user_id"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *PendingEnrollment) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Enrollment is the activated MFA state for a user. At most one exists per user.
type Enrollment struct {
	UserID       int64     `json:"user_id"`
	Secret       string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	ActivatedAt  time.Time `json:"activated_at"`
	LastUsedStep int64     `json:"-"`
}

type BackupCode struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	CodeHash  string     `json:"-"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at"`
	CreatedAt time.Time  `json:"created_at"`
}
