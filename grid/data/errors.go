package data

import (
	"errors"
	"net/http"

	"github.com/wanmail/selenium-grid"
)

// SessionNotCreatedError is a permanent failure to create a session. The
// request is answered with it and not retried.
type SessionNotCreatedError struct {
	Message string
	Cause   error
}

func (e *SessionNotCreatedError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SessionNotCreatedError) Unwrap() error { return e.Cause }

// RetrySessionRequestError is a transient failure: the request goes back to
// the front of the queue.
type RetrySessionRequestError struct {
	Message string
	Cause   error
}

func (e *RetrySessionRequestError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RetrySessionRequestError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err asks for the request to be retried.
func IsRetryable(err error) bool {
	var retry *RetrySessionRequestError
	return errors.As(err, &retry)
}

// ToWebDriverError converts err into the W3C error sent back to a client.
func ToWebDriverError(err error) *selenium.Error {
	var wdErr *selenium.Error
	if errors.As(err, &wdErr) {
		return wdErr
	}
	return &selenium.Error{
		Err:      selenium.ErrSessionNotCreated,
		Message:  err.Error(),
		HTTPCode: http.StatusInternalServerError,
	}
}
