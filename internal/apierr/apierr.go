// Package apierr defines the error kinds shared across every HTTP handler
// (spec §7) and their HTTP status mapping, so each handler maps a returned
// error to a response with one call instead of re-deriving the status code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of error, not a Go type. Handlers switch on Kind to
// pick an HTTP status; callers construct errors with the New* helpers below.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindValidation     Kind = "validation_error"
	KindConflict       Kind = "conflict"
	KindUpstreamFailed Kind = "upstream_failed"
	KindRateLimited    Kind = "rate_limited"
	KindBreached       Kind = "breached"
	KindInternal       Kind = "internal_error"
	KindNotImplemented Kind = "not_implemented"
)

// Error wraps an underlying cause with a Kind and a client-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error     { return newf(KindNotFound, format, args...) }
func Unauthorized(format string, args ...any) *Error { return newf(KindUnauthorized, format, args...) }
func Validation(format string, args ...any) *Error   { return newf(KindValidation, format, args...) }
func Conflict(format string, args ...any) *Error     { return newf(KindConflict, format, args...) }
func RateLimited(format string, args ...any) *Error  { return newf(KindRateLimited, format, args...) }
func Breached(format string, args ...any) *Error     { return newf(KindBreached, format, args...) }
func NotImplemented(format string, args ...any) *Error {
	return newf(KindNotImplemented, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

func Upstream(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstreamFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

// Status returns the HTTP status code for an error, following spec §7.
// Errors that are not *Error are treated as internal errors.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamFailed:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBreached:
		return http.StatusPaymentRequired
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
