// Package errors provides the application error model used across service and
// handler layers. An ApplicationError carries an HTTP-compatible code, a
// machine-readable reason constant, and a human-readable message; callers
// classify errors by Code or Reason, never by message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// UnknownCode is the code assumed for errors outside this model.
	UnknownCode = http.StatusInternalServerError
	// UnknownReason marks errors that carry no reason constant.
	UnknownReason = ""
)

type ApplicationError struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("error: code = %d reason = %s message = %s cause = %v", e.Code, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("error: code = %d reason = %s message = %s", e.Code, e.Reason, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Is matches on code and reason so that sentinel errors compare equal to their
// WithCause/WithMetadata derivatives.
func (e *ApplicationError) Is(target error) bool {
	if te := new(ApplicationError); errors.As(target, &te) {
		return te.Code == e.Code && te.Reason == e.Reason
	}
	return false
}

// WithCause returns a copy carrying the underlying cause. The receiver is not
// mutated; package-level sentinels stay immutable.
func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	err := Clone(e)
	err.cause = cause
	return err
}

// WithMetadata returns a copy with the given metadata attached.
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	err := Clone(e)
	err.Metadata = md
	return err
}

func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{
		Code:    code,
		Reason:  reason,
		Message: message,
	}
}

func Newf(code int, reason, format string, args ...any) *ApplicationError {
	return New(code, reason, fmt.Sprintf(format, args...))
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

func Clone(err *ApplicationError) *ApplicationError {
	if err == nil {
		return nil
	}
	metadata := make(map[string]string, len(err.Metadata))
	for k, v := range err.Metadata {
		metadata[k] = v
	}
	return &ApplicationError{
		Code:     err.Code,
		Reason:   err.Reason,
		Message:  err.Message,
		Metadata: metadata,
		cause:    err.cause,
	}
}

// Code extracts the code from any error. nil maps to 200, errors outside the
// model map to 500.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason extracts the reason constant from any error.
func Reason(err error) string {
	if err == nil {
		return UnknownReason
	}
	return FromError(err).Reason
}

// FromError converts any error into an *ApplicationError, unwrapping if one is
// already in the chain.
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	if ae := new(ApplicationError); errors.As(err, &ae) {
		return ae
	}
	return New(UnknownCode, UnknownReason, err.Error())
}
