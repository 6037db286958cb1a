package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around system errno codes, with a customizable error message.
type DriverError interface {
	error
	Errno() Errno
	Unwrap() error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type driverError struct {
	errno         Errno
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e driverError) Errno() Errno {
	return e.errno
}

func (e driverError) Unwrap() error {
	return e.originalError
}

// Is makes [errors.Is] match any error carrying the same errno as a bare
// sentinel such as [ErrNotFound], no matter how many messages were attached.
func (e driverError) Is(target error) bool {
	sentinel, ok := target.(driverError)
	if !ok || sentinel.originalError != nil {
		return false
	}
	return sentinel.errno == e.errno
}

// WithMessage returns a new error with the same errno, with `message` appended
// to this error's message.
func (e driverError) WithMessage(message string) DriverError {
	return driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

// Wrap returns a new error with the same errno whose chain contains both this
// error and `err`.
func (e driverError) Wrap(err error) DriverError {
	return driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// New creates a new [DriverError] with a default message derived from the
// system's error code.
func New(errnoCode Errno) DriverError {
	return driverError{
		errno:   errnoCode,
		message: StrError(errnoCode),
	}
}

// NewWithMessage creates a new DriverError from a system error code with a
// custom message.
func NewWithMessage(errnoCode Errno, message string) DriverError {
	return driverError{
		errno:   errnoCode,
		message: fmt.Sprintf("%s: %s", StrError(errnoCode), message),
	}
}

// CastToDriverError returns `err` unchanged if it's already a [DriverError].
// Anything else is treated as an I/O failure and wrapped in [ErrIOFailed]. A
// nil error stays nil.
func CastToDriverError(err error) DriverError {
	if err == nil {
		return nil
	}
	if driverErr, ok := err.(DriverError); ok {
		return driverErr
	}
	return ErrIOFailed.Wrap(err)
}

// Is is [errors.Is] from the standard library, so that callers don't need to
// import both packages.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// IsErrno returns true if `err` or any error it wraps is a [DriverError] with
// the code `code`.
func IsErrno(err error, code Errno) bool {
	var driverErr DriverError
	return stderrors.As(err, &driverErr) && driverErr.Errno() == code
}
