// Package provider defines the boundary between the call-control core and
// the external telephony signaling provider.
//
// Commands flow one way (core -> provider) and either fail synchronously or
// are accepted for asynchronous confirmation. Confirmations, together with
// every provider-originated change on the line, flow back as normalized
// Event values on the gateway's event stream. The core never sees raw
// provider signaling.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventKind classifies a normalized provider event.
type EventKind int

const (
	// KindLoginOK confirms a login command: the extension's session is up.
	KindLoginOK EventKind = iota
	// KindLoginFailed reports a rejected or failed login.
	KindLoginFailed
	// KindDialing confirms an outbound call is being established
	// (provisional progress from the far end).
	KindDialing
	// KindDialFailed reports an outbound call that never connected.
	KindDialFailed
	// KindRinging reports an inbound call alerting at the extension.
	KindRinging
	// KindConnected reports a call answered, media path up.
	KindConnected
	// KindDisconnected reports a call torn down, line back to idle.
	KindDisconnected
	// KindSessionDropped reports the provider lost the extension's session
	// entirely (registration expired, transport gone).
	KindSessionDropped
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindLoginOK:
		return "LoginOK"
	case KindLoginFailed:
		return "LoginFailed"
	case KindDialing:
		return "Dialing"
	case KindDialFailed:
		return "DialFailed"
	case KindRinging:
		return "Ringing"
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindSessionDropped:
		return "SessionDropped"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Event is a normalized provider callback for one extension.
type Event struct {
	ID        string    // unique event ID
	Kind      EventKind
	Extension string    // extension the event belongs to
	Peer      string    // far-end party, when known
	CallRef   string    // opaque provider call reference
	Token     string    // command token, set when the event confirms a command
	Code      int       // provider status code (SIP response code), when known
	Reason    string    // provider-supplied reason text
	Time      time.Time
}

// EventHandler receives normalized events. Handlers must not block: the
// gateway delivers events in provider order on its callback goroutines.
type EventHandler func(Event)

// Gateway is the command side of the provider boundary.
//
// Each command either returns a synchronous error (the provider rejected it
// outright, or it could not be issued) or nil, meaning the provider accepted
// it and the outcome will arrive on the event stream. The token correlates
// the eventual confirmation event back to the command.
type Gateway interface {
	// Login establishes the extension's signaling session.
	Login(ctx context.Context, extension, password, token string) error

	// Dial originates a call from one extension to another.
	Dial(ctx context.Context, fromExtension, toExtension, token string) error

	// Answer accepts the inbound call currently alerting at the extension.
	Answer(ctx context.Context, extension, token string) error

	// Hangup tears down the extension's current call, whatever phase it is
	// in (originating, alerting, or connected).
	Hangup(ctx context.Context, extension, token string) error

	// Logout releases the extension's signaling session. Best effort: the
	// core does not wait for confirmation.
	Logout(ctx context.Context, extension string) error

	// AttachListener registers for call-state callbacks on an extension
	// that may never log in through us. Idempotent.
	AttachListener(ctx context.Context, extension string) error

	// DetachListener removes a previously attached listener. Idempotent.
	DetachListener(ctx context.Context, extension string) error

	// OnEvent installs the handler for normalized events. Must be called
	// before any command is issued.
	OnEvent(fn EventHandler)
}

// Sentinel errors surfaced by gateway implementations.
var (
	// ErrUnknownTarget means the dialed extension does not exist at the
	// provider.
	ErrUnknownTarget = errors.New("target extension unknown to provider")

	// ErrBadCredentials means the provider rejected the login credentials.
	ErrBadCredentials = errors.New("credentials rejected by provider")

	// ErrNotConnected means the gateway has no usable provider session for
	// the extension the command addressed.
	ErrNotConnected = errors.New("no provider session for extension")
)

// RejectedError is a synchronous provider rejection with the provider's own
// reason attached.
type RejectedError struct {
	Op     string // command that was rejected
	Code   int    // provider status code, 0 if none
	Reason string // provider-supplied reason
	Cause  error  // underlying error, if any
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider rejected %s: %d %s", e.Op, e.Code, e.Reason)
	}
	return fmt.Sprintf("provider rejected %s: %s", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Cause
}
