package session

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrBusy is returned for a join or leave that was ignored because a
	// transition is already in flight. The session is unchanged.
	ErrBusy = errors.New("session busy")

	ErrClosed       = errors.New("session controller closed")
	ErrDisconnected = errors.New("channel connection lost")
)

// LeaveCleanupError records a failed step of the leave sequence. It is
// logged only; leave always reaches Idle.
type LeaveCleanupError struct {
	Step string
	Err  error
}

func (e *LeaveCleanupError) Error() string {
	return fmt.Sprintf("leave cleanup %s: %v", e.Step, e.Err)
}

func (e *LeaveCleanupError) Unwrap() error { return e.Err }
