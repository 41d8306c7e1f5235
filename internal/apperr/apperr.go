// Package apperr defines the user-facing error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindBadRequest      Kind = "BAD_REQUEST"
	KindGone            Kind = "GONE"
	KindForbidden       Kind = "FORBIDDEN"
	KindConflict        Kind = "CONFLICT"
	KindTooManyRequests Kind = "TOO_MANY_REQUESTS"
	KindInternal        Kind = "INTERNAL"
)

// Error is an expected, user-facing failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) *Error        { return &Error{Kind: KindNotFound, Message: msg} }
func BadRequest(msg string) *Error      { return &Error{Kind: KindBadRequest, Message: msg} }
func Gone(msg string) *Error            { return &Error{Kind: KindGone, Message: msg} }
func Forbidden(msg string) *Error       { return &Error{Kind: KindForbidden, Message: msg} }
func Conflict(msg string) *Error        { return &Error{Kind: KindConflict, Message: msg} }
func TooManyRequests(msg string) *Error { return &Error{Kind: KindTooManyRequests, Message: msg} }

// Internal wraps an unexpected failure. The cause is kept for logs, never shown to clients.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindGone:
		return http.StatusGone
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to a client.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}
