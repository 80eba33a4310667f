// Package errors defines the coded error type shared across the service.
// Codes form the caller-visible taxonomy; everything else wraps into
// ErrCodeInternal at the repository boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a caller-visible error class.
type Code string

const (
	ErrCodeInvalidThresholds Code = "INVALID_THRESHOLDS"
	ErrCodeConflict          Code = "CONFLICT"
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodeAlreadyProcessed  Code = "ALREADY_PROCESSED"
	ErrCodeConcurrent        Code = "CONCURRENT_MODIFICATION"
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeUnauthorized      Code = "UNAUTHORIZED"
	ErrCodeInternal          Code = "INTERNAL"
	ErrCodeUnavailable       Code = "UNAVAILABLE"
)

// Error is a coded error. It may wrap an underlying cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource by type and identifier.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s: %s", field, message))
}

// InvalidThresholds reports a threshold ladder that violates the ordering
// invariant. The stored configuration is never modified when this is returned.
func InvalidThresholds(message string) *Error {
	return New(ErrCodeInvalidThresholds, message)
}

// AlreadyProcessed reports a decision attempted against a request that is no
// longer awaiting one.
func AlreadyProcessed(requestID, status string) *Error {
	return New(ErrCodeAlreadyProcessed,
		fmt.Sprintf("validation request %s is already %s", requestID, status))
}

// ConcurrentModification reports the losing side of a race on the same
// request. Callers should re-fetch and retry or surface the conflict.
func ConcurrentModification(requestID string) *Error {
	return New(ErrCodeConcurrent,
		fmt.Sprintf("validation request %s was modified concurrently", requestID))
}

// CodeOf extracts the code from err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status the handler layer should write.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeAlreadyProcessed, ErrCodeConcurrent:
		return http.StatusConflict
	case ErrCodeInvalidInput, ErrCodeInvalidThresholds:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
