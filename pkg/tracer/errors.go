package tracer

import (
	"errors"
	"fmt"
)

// ErrAlreadyActive is matched by AlreadyActiveError.
var ErrAlreadyActive = errors.New("a trace is already running")

// ErrNotArmed is returned by Start when the session was not configured.
var ErrNotArmed = errors.New("trace session is not configured")

// AlreadyActiveError is returned when a session is configured or started
// while another one is running.
type AlreadyActiveError struct {
	ID string
}

func (err *AlreadyActiveError) Error() string {
	return fmt.Sprintf("trace %s is already running", err.ID)
}

func (err *AlreadyActiveError) Is(target error) bool {
	return target == ErrAlreadyActive
}

// TargetStoppedError is the error of a session stopped because the target
// could not be stepped anymore.
type TargetStoppedError struct {
	Err error
}

func (err *TargetStoppedError) Error() string {
	return fmt.Sprintf("target stopped: %v", err.Err)
}

func (err *TargetStoppedError) Unwrap() error {
	return err.Err
}
