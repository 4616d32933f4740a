package mfa

import (
	"errors"
	"fmt"
)

type State string

const (
	StateIdle    State = "idle"
	StateSetup   State = "setup"
	StateVerify  State = "verify"
	StateEnabled State = "enabled"
	// StateSuccess is terminal for login-time enrollment: MFA is active and
	// the first session has been issued.
	StateSuccess State = "success"
)

type Event string

const (
	EventOptIn               Event = "opt_in"
	EventBegin               Event = "begin"
	EventActivate            Event = "activate"
	EventActivateWithSession Event = "activate_with_session"
	EventCancel              Event = "cancel"
	EventExpire              Event = "expire"
	EventDisable             Event = "disable"
)

var ErrInvalidTransition = errors.New("invalid enrollment transition")

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventOptIn: StateSetup,
	},
	StateSetup: {
		EventBegin:  StateVerify,
		EventCancel: StateIdle,
	},
	StateVerify: {
		EventActivate:            StateEnabled,
		EventActivateWithSession: StateSuccess,
		EventCancel:              StateIdle,
		EventExpire:              StateSetup,
	},
	StateEnabled: {
		EventDisable: StateIdle,
		EventOptIn:   StateSetup,
	},
}

// Transition returns the state reached from `from` on ev.
func Transition(from State, ev Event) (State, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}
