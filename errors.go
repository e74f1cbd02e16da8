package fibrt

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by this package. Callers should match them
// with errors.Is, since most call sites wrap them with extra context.
var (
	// ErrClosed is returned by Scheduler.Start when the scheduler (or
	// IOManager) has already been started, and by Scheduler.Stop when it
	// is not running.
	ErrClosed = errors.New("fibrt: closed")
	// ErrTimedOut is returned by hook-layer I/O calls whose deadline
	// (SO_RCVTIMEO/SO_SNDTIMEO-equivalent or explicit timeout) elapsed
	// before the operation completed.
	ErrTimedOut = errors.New("fibrt: operation timed out")
	// ErrAlreadyRegistered is returned by the hook layer's I/O calls and
	// Connect when IOManager.AddEvent refuses to register the wait (the
	// event is already registered on that fd, or the reactor-ctl failed).
	ErrAlreadyRegistered = errors.New("fibrt: event already registered")
	// ErrFiberNotReady is returned by Fiber.Reset when the fiber being
	// rearmed is not in the Term state.
	ErrFiberNotReady = errors.New("fibrt: fiber not ready")
	// ErrInvalidConfig is returned by NewScheduler/NewIOManager/option
	// constructors when given a configuration that can never run (e.g.
	// zero worker threads with use-caller disabled).
	ErrInvalidConfig = errors.New("fibrt: invalid configuration")
)

// WrapError wraps an error with a message, preserving the cause chain
// for errors.Is/errors.As.
//
//	WrapError("accept failed", err)
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// FiberPanicError records a value recovered from a fiber's entry
// function panicking, so the scheduler can surface it to the caller
// instead of crashing the worker thread's goroutine.
type FiberPanicError struct {
	Fiber *Fiber
	Value any
}

// Error implements the error interface.
func (e *FiberPanicError) Error() string {
	return fmt.Sprintf("fibrt: fiber panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error,
// enabling errors.Is/errors.As through the cause chain.
func (e *FiberPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
