package model

import "time"

// Authentication methods recorded on a session.
const (
	AuthPassword  = "password"
	AuthMFA       = "mfa"
	AuthMFAEnroll = "mfa_enroll"
	AuthLoginLink = "login_link"
)

type Session struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	TokenHash     string    `json:"-"`
	DeviceLabel   string    `json:"device_label"`
	OriginAddress string    `json:"origin_address"`
	UserAgent     string    `json:"user_agent"`
	AuthMethod    string    `json:"auth_method"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsCurrent     bool      `json:"is_current"`
}

// Device describes the client a session is issued to.
type Device struct {
	Label         string `json:"device_label"`
	OriginAddress string `json:"origin_address"`
	UserAgent     string `json:"user_agent"`
}

// Ticket purposes.
const (
	TicketEnroll = "enroll"
	TicketMFA    = "mfa"
)

// Ticket is a single-use, short-lived reference bridging two unauthenticated
// calls. Only the hash of its token is stored.
type Ticket struct {
	ID              int64     `json:"id"`
	TokenHash       string    `json:"-"`
	Purpose         string    `json:"purpose"`
	UserID          int64     `json:"user_id"`
	CredentialStamp string    `json:"-"`
	Attempts        int       `json:"attempts"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

type LoginLink struct {
	ID        int64      `json:"id"`
	Token     string     `json:"token"`
	Email     string     `json:"email"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
}
