// Package errors defines the caller-visible error classes of the orchestration engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION_ERROR"
	CodeConflict        = "CONFLICT"
	CodeSafetyViolation = "SAFETY_VIOLATION"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL_ERROR"
)

// AppError is a typed failure carrying its class and HTTP status.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithCause returns a copy of e that wraps err.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

// NotFound reports a referenced row that does not exist.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation reports malformed input, an unexecutable binary or a disallowed working directory.
func Validation(format string, args ...any) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict reports an action incompatible with the current state.
func Conflict(format string, args ...any) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// SafetyViolation reports a spawn-depth, concurrency-cap or rate-limit breach.
func SafetyViolation(format string, args ...any) *AppError {
	return &AppError{
		Code:       CodeSafetyViolation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Timeout reports a process that exceeded its allotted runtime.
func Timeout(format string, args ...any) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap converts err into an AppError. Errors that already carry a class keep it.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message + ": " + appErr.Message,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return Internal(message, err)
}

// CodeOf returns the class of err, or CodeInternal when it has none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

func IsNotFound(err error) bool        { return CodeOf(err) == CodeNotFound }
func IsValidation(err error) bool      { return CodeOf(err) == CodeValidation }
func IsConflict(err error) bool        { return CodeOf(err) == CodeConflict }
func IsSafetyViolation(err error) bool { return CodeOf(err) == CodeSafetyViolation }
func IsTimeout(err error) bool         { return CodeOf(err) == CodeTimeout }
