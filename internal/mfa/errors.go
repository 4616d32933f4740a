package mfa

import "errors"

// Expected, recoverable outcomes. Callers branch on them with errors.Is;
// anything else is a storage failure.
var (
	// ErrEnrollmentNotFound means the pending secret is missing or expired
	// and enrollment must restart.
	ErrEnrollmentNotFound = errors.New("enrollment not found or expired")
	// ErrInvalidCode is returned for every rejected code regardless of why.
	ErrInvalidCode           = errors.New("invalid code")
	ErrAlreadyEnrolled       = errors.New("mfa already enabled")
	ErrNotEnrolled           = errors.New("mfa not enabled")
	ErrBackupCodeAlreadyUsed = errors.New("backup code already used")
	ErrUnauthorized          = errors.New("unauthorized")
	// ErrHandoffExpired means the login-time ticket is gone and the user
	// must start over from the login form.
	ErrHandoffExpired = errors.New("login handoff expired")
	// ErrMFARequired means the account may not receive a session until it
	// has enrolled.
	ErrMFARequired = errors.New("mfa enrollment required")
	ErrUnknownUser = errors.New("unknown user")
)
