// Package apperr classifies handler failures into codes the client can act on.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation  Code = "validation"
	CodeForbidden   Code = "forbidden"
	CodeNotFound    Code = "not_found"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal"
)

// Error is a caller-visible failure. Message is safe to send to clients;
// Err carries the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the client may resend the same request.
func (e *Error) Retryable() bool {
	return e.Code == CodeUnavailable
}

func Validation(msg string) *Error { return &Error{Code: CodeValidation, Message: msg} }
func Forbidden(msg string) *Error  { return &Error{Code: CodeForbidden, Message: msg} }
func NotFound(msg string) *Error   { return &Error{Code: CodeNotFound, Message: msg} }

func Unavailable(msg string, err error) *Error {
	return &Error{Code: CodeUnavailable, Message: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// From returns err as *Error, classifying unknown errors as unavailable.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Unavailable("temporarily unavailable", err)
}

// HTTPStatus maps a code onto the REST surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return 422
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeUnavailable:
		return 503
	}
	return 500
}
