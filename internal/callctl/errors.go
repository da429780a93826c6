package callctl

import (
	"errors"
	"fmt"
)

// State-conflict errors. The machine rejects the command without changing
// state; callers see these synchronously.
var (
	// ErrBusy means another command on the same extension is still awaiting
	// provider confirmation. Commands are rejected, never queued.
	ErrBusy = errors.New("another command is in progress on this extension")

	// ErrAlreadyLoggedIn means login was issued outside LoggedOut.
	ErrAlreadyLoggedIn = errors.New("extension is already logged in")

	// ErrNotIdle means dial was issued outside Idle.
	ErrNotIdle = errors.New("extension is not idle")

	// ErrNoIncomingCall means answer was issued with nothing ringing.
	ErrNoIncomingCall = errors.New("no incoming call to answer")

	// ErrNoActiveCall means hangup was issued with no call in progress.
	ErrNoActiveCall = errors.New("no active call to hang up")

	// ErrCallInProgress means logout was issued mid-call; the call must be
	// hung up first.
	ErrCallInProgress = errors.New("a call is in progress on this extension")

	// ErrTimeout means the provider never confirmed the command within its
	// window. The machine reverted to the pre-command state.
	ErrTimeout = errors.New("provider confirmation timed out")
)

// TimeoutError reports which command timed out. It matches ErrTimeout via
// errors.Is.
type TimeoutError struct {
	Op        Op
	Extension string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on %s timed out waiting for provider confirmation", e.Op, e.Extension)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
