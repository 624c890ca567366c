package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidQuery is terminal for the whole observer chain.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidConnection rotates an observer into the executor role.
	ErrInvalidConnection = errors.New("invalid connection")
	// ErrNotStarted asks the pool to requeue the unit: a dependency is not
	// complete yet.
	ErrNotStarted = errors.New("thread not started")

	ErrThreadFailed     = errors.New("thread failed")
	ErrArgumentMismatch = errors.New("argument mismatch")
	ErrPoolEmpty        = errors.New("pool empty")
	ErrInvalidModule    = errors.New("invalid module")
	ErrNotFound         = errors.New("not found")
)

// ThreadFailedError carries the captured stderr of a failed command.
type ThreadFailedError struct {
	Command  string
	ExitCode int
	Stderr   []string
}

func (e *ThreadFailedError) Error() string {
	msg := fmt.Sprintf("%s: %q exited %d", ErrThreadFailed, e.Command, e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	return msg
}

func (e *ThreadFailedError) Unwrap() error { return ErrThreadFailed }

// Requeue reports whether err is a request to run the unit again later.
func Requeue(err error) bool {
	return errors.Is(err, ErrNotStarted)
}

// ArgumentMismatch builds an ErrArgumentMismatch for a unit constructor.
func ArgumentMismatch(unit, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrArgumentMismatch, unit, fmt.Sprintf(format, args...))
}
