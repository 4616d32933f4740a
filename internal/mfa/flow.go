package mfa

import (
	"context"
	"errors"

	"github.com/dukerupert/warden/internal/model"
)

// flow is the part both enrollment variants share: the current state and
// how outcomes of a verify attempt move it.
type flow struct {
	state State
	// rest is where a cancelled enrollment lands: idle, or enabled when an
	// existing enrollment is being rotated.
	rest State
}

func (f *flow) fire(ev Event) error {
	next, err := Transition(f.state, ev)
	if err != nil {
		return err
	}
	if ev == EventCancel {
		next = f.rest
	}
	f.state = next
	return nil
}

// settle applies the outcome of a verify attempt. A wrong code keeps the
// flow in verify; a lost enrollment or ticket sends it back to setup.
func (f *flow) settle(err error) error {
	if errors.Is(err, ErrEnrollmentNotFound) || errors.Is(err, ErrHandoffExpired) {
		f.state = StateSetup
	}
	return err
}

// SettingsFlow is enrollment for a signed-in user. It ends in StateEnabled.
type SettingsFlow struct {
	flow
	svc    *Service
	userID int64
}

// SettingsFlow resumes the settings flow for userID from persisted state.
func (s *Service) SettingsFlow(ctx context.Context, userID int64) (*SettingsFlow, error) {
	st, err := s.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	rest := StateIdle
	if st.Enabled {
		rest = StateEnabled
	}
	return &SettingsFlow{flow: flow{state: st.State, rest: rest}, svc: s, userID: userID}, nil
}

func (f *SettingsFlow) State() State { return f.state }

// OptIn moves idle or enabled to setup.
func (f *SettingsFlow) OptIn() error {
	return f.fire(EventOptIn)
}

// Begin generates a pending secret, opting in first if needed. From verify
// it replaces the current one.
func (f *SettingsFlow) Begin(ctx context.Context) (*Provisioning, error) {
	switch f.state {
	case StateIdle, StateEnabled:
		if err := f.OptIn(); err != nil {
			return nil, err
		}
	case StateVerify:
		f.state = StateSetup
	}
	if _, err := Transition(f.state, EventBegin); err != nil {
		return nil, err
	}
	prov, err := f.svc.BeginEnrollment(ctx, f.userID)
	if err != nil {
		return nil, err
	}
	f.state = StateVerify
	return prov, nil
}

// Verify checks code against the pending secret. Outside verify there is no
// pending secret to check against.
func (f *SettingsFlow) Verify(ctx context.Context, code string) (*Activation, error) {
	if f.state != StateVerify {
		return nil, ErrEnrollmentNotFound
	}
	act, err := f.svc.VerifyAndEnable(ctx, f.userID, code)
	if err != nil {
		return nil, f.settle(err)
	}
	if err := f.fire(EventActivate); err != nil {
		return nil, err
	}
	f.rest = StateEnabled
	return act, nil
}

// Cancel drops any pending secret and returns to where the flow started.
func (f *SettingsFlow) Cancel(ctx context.Context) error {
	if f.state == StateVerify {
		if err := f.svc.CancelEnrollment(ctx, f.userID); err != nil {
			return err
		}
	}
	return f.fire(EventCancel)
}

// Disable turns MFA off, discarding any rotation in progress. See
// Service.Disable for the re-proof rules.
func (f *SettingsFlow) Disable(ctx context.Context, current *model.Session, password string) error {
	if f.rest != StateEnabled {
		return ErrNotEnrolled
	}
	if err := f.svc.Disable(ctx, f.userID, current, password); err != nil {
		return err
	}
	f.state, f.rest = StateEnabled, StateIdle
	return f.fire(EventDisable)
}

// LoginFlow is enrollment during login, before any session exists. It ends
// in StateSuccess with the user's first session.
type LoginFlow struct {
	flow
	svc    *Service
	ticket string
}

// LoginFlow starts a login-time enrollment in setup.
func (s *Service) LoginFlow() *LoginFlow {
	return &LoginFlow{flow: flow{state: StateSetup, rest: StateIdle}, svc: s}
}

// ResumeLoginFlow picks up a login-time enrollment at verify from the ticket
// handed out by Begin.
func (s *Service) ResumeLoginFlow(ticket string) *LoginFlow {
	return &LoginFlow{flow: flow{state: StateVerify, rest: StateIdle}, svc: s, ticket: ticket}
}

func (f *LoginFlow) State() State { return f.state }

// Begin checks the password and generates the pending secret.
func (f *LoginFlow) Begin(ctx context.Context, email, password string) (*LoginProvisioning, error) {
	if _, err := Transition(f.state, EventBegin); err != nil {
		return nil, err
	}
	prov, err := f.svc.BeginLoginEnrollment(ctx, email, password)
	if err != nil {
		return nil, err
	}
	f.ticket = prov.Ticket
	f.state = StateVerify
	return prov, nil
}

// Verify activates MFA and issues the first session in one step.
func (f *LoginFlow) Verify(ctx context.Context, code string, dev model.Device) (*LoginActivation, error) {
	if f.state != StateVerify || f.ticket == "" {
		return nil, f.settle(ErrHandoffExpired)
	}
	act, err := f.svc.VerifyAndEnableLogin(ctx, f.ticket, code, dev)
	if err != nil {
		if errors.Is(err, ErrHandoffExpired) || errors.Is(err, ErrEnrollmentNotFound) {
			f.ticket = ""
		}
		return nil, f.settle(err)
	}
	f.ticket = ""
	if err := f.fire(EventActivateWithSession); err != nil {
		return nil, err
	}
	return act, nil
}

// Cancel abandons the enrollment and discards the ticket.
func (f *LoginFlow) Cancel(ctx context.Context) error {
	if f.ticket != "" {
		if err := f.svc.AbandonLoginEnrollment(ctx, f.ticket); err != nil {
			return err
		}
		f.ticket = ""
	}
	return f.fire(EventCancel)
}
