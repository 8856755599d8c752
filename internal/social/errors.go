package social

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusCode classifies why a backend call failed. The sync engine decides
// retry versus abort from this value alone.
type StatusCode int

const (
	StatusUnknown StatusCode = iota
	// StatusNotFound: the requested object or cursor anchor is gone.
	StatusNotFound
	// StatusAuthentication: the credentials were rejected.
	StatusAuthentication
	// StatusCredentialsOfOtherUser: the credentials belong to someone else.
	StatusCredentialsOfOtherUser
	// StatusTransient: network or server trouble; try again later.
	StatusTransient
	// StatusHardError: malformed or unsupported; do not retry automatically.
	StatusHardError
)

// String returns a short label for logs.
func (c StatusCode) String() string {
	switch c {
	case StatusNotFound:
		return "not_found"
	case StatusAuthentication:
		return "authentication"
	case StatusCredentialsOfOtherUser:
		return "credentials_of_other_user"
	case StatusTransient:
		return "transient"
	case StatusHardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Status StatusCode
	// Op describes the call, e.g. "GET statuses/home_timeline.json".
	Op string
	// HTTPStatus is the response code, or 0 when no response was received.
	HTTPStatus int
	Err        error
}

// NewError builds a classified error.
func NewError(status StatusCode, op string, err error) *Error {
	return &Error{Status: status, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Status.String()
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.HTTPStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf extracts the classification of err. Context cancellation and
// network failures count as transient; anything unclassified is a hard error.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StatusTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return StatusTransient
	}
	return StatusHardError
}

// IsNotFound reports whether err is classified as StatusNotFound.
func IsNotFound(err error) bool { return StatusOf(err) == StatusNotFound }

// statusFromHTTP maps a non-2xx response code to a classification.
func statusFromHTTP(code int) StatusCode {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return StatusAuthentication
	case code == http.StatusNotFound || code == http.StatusGone:
		return StatusNotFound
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return StatusTransient
	default:
		return StatusHardError
	}
}
