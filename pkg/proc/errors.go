package proc

import (
	"errors"
	"fmt"
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError indicates that we detached from the target process.
type ProcessDetachedError struct {
}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

// IsTargetGone returns true if err means that the target can not be
// stepped or resumed anymore.
func IsTargetGone(err error) bool {
	var exited ErrProcessExited
	var detached ProcessDetachedError
	return errors.As(err, &exited) || errors.As(err, &detached)
}

// IOError is returned when a file used to record or log execution can not
// be opened, written or closed.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (err *IOError) Error() string {
	return fmt.Sprintf("could not %s %s: %v", err.Op, err.Path, err.Err)
}

func (err *IOError) Unwrap() error {
	return err.Err
}
