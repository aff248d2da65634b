// Package errcode defines the error taxonomy shared by the token and session
// layers and its mapping onto HTTP status codes.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure. The string value is also the reason reported to
// clients (e.g. a failed validation carries "Expired").
type Code string

const (
	NotFound             Code = "NotFound"
	Expired              Code = "Expired"
	Deactivated          Code = "Deactivated"
	SessionQuotaExceeded Code = "SessionQuotaExceeded"
	MessageQuotaExceeded Code = "MessageQuotaExceeded"
	AdapterFailure       Code = "AdapterFailure"
	MalformedRequest     Code = "MalformedRequest"
	Internal             Code = "Internal"
)

// Error is a coded error. Two *Error values match under errors.Is when their
// codes are equal, so callers can test against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound             = &Error{Code: NotFound, Message: "not found"}
	ErrExpired              = &Error{Code: Expired, Message: "token expired"}
	ErrDeactivated          = &Error{Code: Deactivated, Message: "token deactivated"}
	ErrSessionQuotaExceeded = &Error{Code: SessionQuotaExceeded, Message: "session quota exceeded"}
	ErrMessageQuotaExceeded = &Error{Code: MessageQuotaExceeded, Message: "message quota exceeded"}
	ErrAdapterFailure       = &Error{Code: AdapterFailure, Message: "realtime provider failure"}
	ErrMalformedRequest     = &Error{Code: MalformedRequest, Message: "malformed request"}
)

// New creates a coded error with a message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error that wraps a cause.
func Wrap(code Code, message string, err error) error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Of returns the code carried by err, or Internal when err is not coded.
func Of(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HTTPStatus maps a code to the status returned by the HTTP boundary.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return http.StatusNotFound
	case Expired:
		return http.StatusUnauthorized
	case Deactivated:
		return http.StatusForbidden
	case SessionQuotaExceeded, MessageQuotaExceeded:
		return http.StatusTooManyRequests
	case AdapterFailure:
		return http.StatusBadGateway
	case MalformedRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
