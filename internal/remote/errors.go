package remote

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned when Execute is called on a session that is not
// in the Ready state. Callers must reconnect rather than retry.
var ErrNotReady = errors.New("session is not ready")

// AuthError indicates the remote host rejected the supplied credentials
type AuthError struct {
	Target string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Target, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates the transport could not be established or was lost
type NetworkError struct {
	Target string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.Target, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError indicates the ready-timeout elapsed before the session
// reported ready or failed
type TimeoutError struct {
	Target string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out connecting to %s: %v", e.Target, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ExecError indicates a command ran but exited with a failure status
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q failed (exit %d): %v", e.Command, e.ExitCode, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
