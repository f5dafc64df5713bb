// Package apperr defines the error kinds shared by every layer of the API.
// Handlers translate a Kind into an HTTP status; nothing below the HTTP layer
// knows about status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalidInvite
	KindConstraintViolation
	KindInvalidToken
	KindExpiredToken
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInvite:
		return "invalid_invite"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindInvalidToken:
		return "invalid_token"
	case KindExpiredToken:
		return "token_expired"
	case KindTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Option customises an Error at construction.
type Option func(*Error)

// WithDetails attaches structured details that are returned to the caller.
func WithDetails(details map[string]interface{}) Option {
	return func(e *Error) { e.Details = details }
}

// WithErr records the underlying cause. It is logged, never returned to clients.
func WithErr(err error) Option {
	return func(e *Error) { e.Err = err }
}

// New builds an Error. An empty code defaults to the kind's name.
func New(kind Kind, code, message string, opts ...Option) *Error {
	if code == "" {
		code = kind.String()
	}
	e := &Error{Kind: kind, Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Unauthorized(message string, opts ...Option) *Error {
	if message == "" {
		message = "Unauthorized"
	}
	return New(KindUnauthorized, "unauthorized", message, opts...)
}

func Forbidden(message string, opts ...Option) *Error {
	if message == "" {
		message = "Forbidden"
	}
	return New(KindForbidden, "forbidden", message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	if message == "" {
		message = "Resource not found"
	}
	return New(KindNotFound, "not_found", message, opts...)
}

func BadRequest(code, message string, opts ...Option) *Error {
	if code == "" {
		code = "invalid_request"
	}
	return New(KindBadRequest, code, message, opts...)
}

func Internal(err error) *Error {
	return New(KindInternal, "internal_error", "An unexpected error occurred.", WithErr(err))
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the code of err, or "internal_error" for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return KindInternal.String()
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
