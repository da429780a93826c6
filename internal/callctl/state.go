// Package callctl implements per-extension call-control: the state machine
// that owns one extension's live call state, and the registry that owns the
// set of machines.
package callctl

import "fmt"

// State represents the call-control state of one extension.
type State int

const (
	// StateLoggedOut means the extension has no provider session.
	StateLoggedOut State = iota
	// StateLoggingIn means a login command was issued, confirmation pending.
	StateLoggingIn
	// StateIdle means the extension is logged in with no call.
	StateIdle
	// StateDialing means an outbound call is being established.
	StateDialing
	// StateRinging means an inbound call is alerting at the extension.
	StateRinging
	// StateConnected means a call is up.
	StateConnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateLoggingIn:
		return "logging_in"
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// InCall reports whether the state has an associated call.
func (s State) InCall() bool {
	return s == StateDialing || s == StateRinging || s == StateConnected
}

// Op identifies a caller-initiated control command.
type Op int

const (
	OpLogin Op = iota
	OpDial
	OpAnswer
	OpHangup
	OpLogout
)

// String returns the string representation of the operation.
func (o Op) String() string {
	switch o {
	case OpLogin:
		return "login"
	case OpDial:
		return "dial"
	case OpAnswer:
		return "answer"
	case OpHangup:
		return "hangup"
	case OpLogout:
		return "logout"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}
