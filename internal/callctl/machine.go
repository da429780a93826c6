package callctl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/ctibridge/internal/provider"
)

// Timeouts bounds how long each command class waits for asynchronous
// provider confirmation.
type Timeouts struct {
	Login  time.Duration
	Dial   time.Duration
	Answer time.Duration
	Hangup time.Duration
}

// DefaultTimeouts mirrors the provider's own session-establishment window
// for login and keeps call-control commands short.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Login:  30 * time.Second,
		Dial:   30 * time.Second,
		Answer: 5 * time.Second,
		Hangup: 5 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Login <= 0 {
		t.Login = d.Login
	}
	if t.Dial <= 0 {
		t.Dial = d.Dial
	}
	if t.Answer <= 0 {
		t.Answer = d.Answer
	}
	if t.Hangup <= 0 {
		t.Hangup = d.Hangup
	}
	return t
}

// Auditor receives a fire-and-forget record of each completed command.
// Purely observational: the machine never consults it.
type Auditor interface {
	Record(extension, op, target, message string, ok bool)
}

type nopAuditor struct{}

func (nopAuditor) Record(string, string, string, string, bool) {}

// intentOutcome resolves a pending command future.
type intentOutcome struct {
	err error
}

// pendingIntent is the single outstanding command on an extension. A second
// command while one is pending fails with ErrBusy; provider events always
// apply and resolve the intent when they confirm or refute it.
type pendingIntent struct {
	op          Op
	token       string
	target      string
	prev        State // pre-command view, restored on failure or timeout
	prevPeer    string
	prevCallRef string
	done        chan intentOutcome
}

// Machine owns the authoritative call-control state of one extension.
// It is the sole mutator of that state: commands and provider events are
// serialized against the machine's own mutex, so operations on different
// extensions proceed fully in parallel.
type Machine struct {
	ext      string
	gw       provider.Gateway
	sink     Sink
	audit    Auditor
	timeouts Timeouts

	mu             sync.Mutex
	state          State
	loggedIn       bool // credentials validated with the provider
	callRef        string
	peer           string
	lastTransition time.Time
	pending        *pendingIntent
}

// NewMachine creates the machine for one extension in LoggedOut.
func NewMachine(ext string, gw provider.Gateway, sink Sink, audit Auditor, timeouts Timeouts) *Machine {
	if sink == nil {
		sink = NopSink{}
	}
	if audit == nil {
		audit = nopAuditor{}
	}
	return &Machine{
		ext:      ext,
		gw:       gw,
		sink:     sink,
		audit:    audit,
		timeouts: timeouts.withDefaults(),
	}
}

// Extension returns the extension number this machine owns.
func (m *Machine) Extension() string {
	return m.ext
}

// Snapshot is a point-in-time view of one extension.
type Snapshot struct {
	Extension      string    `json:"extension"`
	State          State     `json:"-"`
	StateName      string    `json:"state"`
	Peer           string    `json:"peer,omitempty"`
	CallRef        string    `json:"call_ref,omitempty"`
	Busy           bool      `json:"busy"`
	LastTransition time.Time `json:"last_transition,omitzero"`
}

// Snapshot returns the current view of the extension.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Extension:      m.ext,
		State:          m.state,
		StateName:      m.state.String(),
		Peer:           m.peer,
		CallRef:        m.callRef,
		Busy:           m.pending != nil,
		LastTransition: m.lastTransition,
	}
}

// State returns a snapshot of the current state. No side effects.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// --- Caller-initiated commands ---

// Login establishes the extension's provider session. Valid only from
// LoggedOut; transitions to LoggingIn immediately and confirms to Idle on
// the provider's success callback.
func (m *Machine) Login(ctx context.Context, password string) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return m.finish(OpLogin, "", ErrBusy)
	}
	if m.state != StateLoggedOut {
		m.mu.Unlock()
		return m.finish(OpLogin, "", ErrAlreadyLoggedIn)
	}
	p := m.beginIntentLocked(OpLogin, "")
	m.transitionLocked(StateLoggingIn, "", "")
	m.mu.Unlock()

	if err := m.gw.Login(ctx, m.ext, password, p.token); err != nil {
		m.abandonIntent(p)
		return m.finish(OpLogin, "", err)
	}
	return m.finish(OpLogin, "", m.await(ctx, p, m.timeouts.Login))
}

// Dial originates a call to another extension. Valid only from Idle;
// transitions to Dialing immediately and resolves once the provider
// confirms the call is being established.
func (m *Machine) Dial(ctx context.Context, target string) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return m.finish(OpDial, target, ErrBusy)
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return m.finish(OpDial, target, ErrNotIdle)
	}
	p := m.beginIntentLocked(OpDial, target)
	m.transitionLocked(StateDialing, target, "")
	m.mu.Unlock()

	if err := m.gw.Dial(ctx, m.ext, target, p.token); err != nil {
		m.abandonIntent(p)
		return m.finish(OpDial, target, err)
	}
	return m.finish(OpDial, target, m.await(ctx, p, m.timeouts.Dial))
}

// Answer accepts the inbound call alerting at the extension. Valid only
// from Ringing; the transition to Connected happens on the provider's
// confirmation, not optimistically.
func (m *Machine) Answer(ctx context.Context) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return m.finish(OpAnswer, "", ErrBusy)
	}
	if m.state != StateRinging {
		m.mu.Unlock()
		return m.finish(OpAnswer, "", ErrNoIncomingCall)
	}
	p := m.beginIntentLocked(OpAnswer, "")
	m.mu.Unlock()

	if err := m.gw.Answer(ctx, m.ext, p.token); err != nil {
		m.abandonIntent(p)
		return m.finish(OpAnswer, "", err)
	}
	return m.finish(OpAnswer, "", m.await(ctx, p, m.timeouts.Answer))
}

// Hangup tears down the current call. Valid from Dialing, Ringing, or
// Connected; transitions to Idle on the provider's confirmation.
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return m.finish(OpHangup, "", ErrBusy)
	}
	if !m.state.InCall() {
		m.mu.Unlock()
		return m.finish(OpHangup, "", ErrNoActiveCall)
	}
	p := m.beginIntentLocked(OpHangup, "")
	m.mu.Unlock()

	if err := m.gw.Hangup(ctx, m.ext, p.token); err != nil {
		m.abandonIntent(p)
		return m.finish(OpHangup, "", err)
	}
	return m.finish(OpHangup, "", m.await(ctx, p, m.timeouts.Hangup))
}

// Logout releases the extension's session. Valid from Idle or LoggedOut
// (idempotent in LoggedOut); rejected with ErrBusy while a command is
// outstanding and with ErrCallInProgress mid-call. The listener lifecycle
// is independent and unaffected.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return m.finish(OpLogout, "", ErrBusy)
	}
	if m.state == StateLoggedOut {
		m.mu.Unlock()
		return m.finish(OpLogout, "", nil)
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return m.finish(OpLogout, "", ErrCallInProgress)
	}
	m.loggedIn = false
	m.transitionLocked(StateLoggedOut, "", "")
	m.mu.Unlock()

	// Best effort: the session is already considered gone locally.
	if err := m.gw.Logout(ctx, m.ext); err != nil {
		slog.Warn("[Machine] Provider logout failed",
			"extension", m.ext,
			"error", err,
		)
	}
	return m.finish(OpLogout, "", nil)
}

// --- Provider-driven path ---

// expectedBefore maps an event kind to the states it may legitimately
// arrive in. Anything else is an anomaly: logged, then adopted, because the
// provider is authoritative for the physical line.
var expectedBefore = map[provider.EventKind][]State{
	provider.KindLoginOK:      {StateLoggingIn},
	provider.KindLoginFailed:  {StateLoggingIn},
	provider.KindDialing:      {StateDialing},
	provider.KindDialFailed:   {StateDialing},
	provider.KindRinging:      {StateIdle},
	provider.KindConnected:    {StateDialing, StateRinging},
	provider.KindDisconnected: {StateDialing, StateRinging, StateConnected},
}

// ApplyEvent applies one normalized provider event. Always accepted: it
// takes precedence over any outstanding intent and may resolve it. Events
// for one extension are applied in provider order.
func (m *Machine) ApplyEvent(evt provider.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expected, ok := expectedBefore[evt.Kind]; ok && !stateIn(m.state, expected) {
		slog.Warn("[Machine] Anomalous provider event, adopting provider state",
			"extension", m.ext,
			"event", evt.Kind.String(),
			"state", m.state.String(),
		)
	}

	switch evt.Kind {
	case provider.KindLoginOK:
		m.loggedIn = true
		m.transitionLocked(StateIdle, "", "")
		m.resolveLocked(evt, OpLogin, nil)

	case provider.KindLoginFailed:
		m.loggedIn = false
		m.transitionLocked(StateLoggedOut, "", "")
		m.resolveLocked(evt, OpLogin, loginFailure(evt))

	case provider.KindDialing:
		m.transitionLocked(StateDialing, evt.Peer, evt.CallRef)
		m.resolveLocked(evt, OpDial, nil)

	case provider.KindDialFailed:
		m.transitionLocked(StateIdle, "", "")
		m.resolveLocked(evt, OpDial, dialFailure(evt))

	case provider.KindRinging:
		m.transitionLocked(StateRinging, evt.Peer, evt.CallRef)

	case provider.KindConnected:
		m.transitionLocked(StateConnected, evt.Peer, evt.CallRef)
		if m.pending != nil && (m.pending.op == OpAnswer || m.pending.op == OpDial) {
			m.resolveLocked(evt, m.pending.op, nil)
		}

	case provider.KindDisconnected:
		next := StateIdle
		if !m.loggedIn {
			next = StateLoggedOut
		}
		m.transitionLocked(next, "", "")
		switch {
		case m.pending == nil:
		case m.pending.op == OpHangup:
			m.resolveLocked(evt, OpHangup, nil)
		default:
			// A pending dial or answer whose call just went away.
			m.resolveLocked(evt, m.pending.op, dialFailure(evt))
		}

	case provider.KindSessionDropped:
		m.loggedIn = false
		m.transitionLocked(StateLoggedOut, "", "")
		if m.pending != nil {
			m.resolveLocked(evt, m.pending.op, &provider.RejectedError{
				Op:     m.pending.op.String(),
				Reason: "provider session dropped",
			})
		}

	default:
		slog.Warn("[Machine] Unhandled provider event kind",
			"extension", m.ext,
			"event", evt.Kind.String(),
		)
	}
}

func loginFailure(evt provider.Event) error {
	if evt.Code == 401 || evt.Code == 403 {
		return provider.ErrBadCredentials
	}
	return &provider.RejectedError{Op: "login", Code: evt.Code, Reason: evt.Reason}
}

func dialFailure(evt provider.Event) error {
	if evt.Code == 404 {
		return fmt.Errorf("dial: %w", provider.ErrUnknownTarget)
	}
	return &provider.RejectedError{Op: "dial", Code: evt.Code, Reason: evt.Reason}
}

// --- Intent machinery ---

func (m *Machine) beginIntentLocked(op Op, target string) *pendingIntent {
	p := &pendingIntent{
		op:          op,
		token:       uuid.New().String(),
		target:      target,
		prev:        m.state,
		prevPeer:    m.peer,
		prevCallRef: m.callRef,
		done:        make(chan intentOutcome, 1),
	}
	m.pending = p
	return p
}

// resolveLocked settles the pending intent if evt confirms or refutes it:
// either by command token, or because the event kind answers the pending
// operation.
func (m *Machine) resolveLocked(evt provider.Event, op Op, err error) {
	p := m.pending
	if p == nil {
		return
	}
	if evt.Token != "" && evt.Token != p.token {
		return // confirmation for an already-expired command
	}
	if evt.Token == "" && p.op != op {
		return
	}
	m.pending = nil
	p.done <- intentOutcome{err: err}
}

// abandonIntent rolls back after a synchronous gateway rejection.
func (m *Machine) abandonIntent(p *pendingIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != p {
		return
	}
	m.pending = nil
	m.transitionLocked(p.prev, p.prevPeer, p.prevCallRef)
}

// await blocks until the intent resolves, the command window expires, or
// the caller's context ends. On expiry the machine reverts to the
// pre-command state; a confirmation arriving later is handled as an
// ordinary provider event against the then-current state.
func (m *Machine) await(ctx context.Context, p *pendingIntent, window time.Duration) error {
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.err
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
		m.transitionLocked(p.prev, p.prevPeer, p.prevCallRef)
		m.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Op: p.op, Extension: m.ext}
	}
	m.mu.Unlock()

	// The intent resolved while we were expiring it; honor that outcome.
	out := <-p.done
	return out.err
}

// transitionLocked commits a state change and emits exactly one
// StateChange. A no-op when the state is unchanged.
func (m *Machine) transitionLocked(to State, peer, callRef string) {
	if m.state == to {
		return
	}
	prev := m.state
	m.state = to
	m.peer = peer
	m.callRef = callRef
	m.lastTransition = time.Now()

	slog.Debug("[Machine] State transition",
		"extension", m.ext,
		"from", prev.String(),
		"to", to.String(),
	)

	m.sink.Publish(StateChange{
		ID:           uuid.New().String(),
		Extension:    m.ext,
		Previous:     prev,
		Current:      to,
		PreviousName: prev.String(),
		CurrentName:  to.String(),
		Peer:         peer,
		CallRef:      callRef,
		At:           m.lastTransition,
	})
}

// finish records the command outcome with the audit collaborator and passes
// the error through unchanged.
func (m *Machine) finish(op Op, target string, err error) error {
	msg := "ok"
	if err != nil {
		msg = err.Error()
	}
	m.audit.Record(m.ext, op.String(), target, msg, err == nil)
	return err
}

func stateIn(s State, set []State) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
