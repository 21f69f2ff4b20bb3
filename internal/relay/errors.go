package relay

import (
	"code.wakelink.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("relay: error")

	// ErrInvalidToken reports a failed session authentication.
	ErrInvalidToken = errorFlag("relay: invalid token")

	// ErrAuthTimeout reports a connection that sent no auth message in time.
	ErrAuthTimeout = errorFlag("relay: authentication timeout")

	// ErrNotAuthenticated reports a frame received before authentication.
	ErrNotAuthenticated = errorFlag("relay: not authenticated")

	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = errorFlag("relay: session closed")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
