package host

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Run if the server is already running.
	ErrAlreadyRunning = errors.New(`host: server is already running`)

	// ErrTerminated is returned when operations are attempted on a server
	// that has been (or is being) shut down.
	ErrTerminated = errors.New(`host: server has been terminated`)

	// ErrReentrantRun is returned if Run or Step is called from within the
	// tick thread.
	ErrReentrantRun = errors.New(`host: cannot run or step from within the tick thread`)

	// ErrManualTicks is returned by Run if the server was configured with
	// WithManualTicks, and by Step if it was not.
	ErrManualTicks = errors.New(`host: tick mode mismatch`)

	// ErrWrongThread is returned by operations that must be called on the
	// tick thread.
	ErrWrongThread = errors.New(`host: must be called on the tick thread`)

	// ErrInvalidPeriod is returned by PostPeriodic if period is not positive.
	ErrInvalidPeriod = errors.New(`host: period must be positive`)
)

// PanicError wraps a value recovered from a panicking task or handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf(`host: panic: %v`, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

var (
	// ErrNilFunc is returned when a nil task, handler or event is provided.
	ErrNilFunc = errors.New(`host: nil function or event`)

	// ErrInvalidContext is returned when posting to an unknown Context.
	ErrInvalidContext = errors.New(`host: invalid context`)
)
