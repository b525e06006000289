package agent

import "errors"

// ErrShutdown matches every error that ends Run.
var ErrShutdown = errors.New("shutdown")

// ShutdownError is the cancellation cause used to stop the process on
// purpose, such as a signal or the CLI exit command.
type ShutdownError struct {
	Reason string
}

func (e *ShutdownError) Error() string {
	return "shutdown: " + e.Reason
}

// Is makes errors.Is(err, ErrShutdown) hold for any ShutdownError.
func (e *ShutdownError) Is(target error) bool {
	return target == ErrShutdown
}

// Shutdown returns a ShutdownError for reason, for use with
// context.CancelCauseFunc.
func Shutdown(reason string) error {
	return &ShutdownError{Reason: reason}
}
