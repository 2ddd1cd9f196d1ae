package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNoToken      = "NO_TOKEN"
	CodeNotConnected = "NOT_CONNECTED"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeUpstream     = "UPSTREAM_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is; matching is by code.
var (
	ErrNoToken      = &AppError{Code: CodeNoToken, Message: "no auth token available", Status: http.StatusUnauthorized}
	ErrNotConnected = &AppError{Code: CodeNotConnected, Message: "not connected to messaging server"}
)

type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
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

// Is reports whether target is an *AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func NoToken(err error) *AppError {
	return &AppError{
		Code:    CodeNoToken,
		Message: "no auth token available",
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

func NotConnected(err error) *AppError {
	return &AppError{
		Code:    CodeNotConnected,
		Message: "not connected to messaging server",
		Err:     err,
	}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     err,
	}
}

func Unauthorized(message string, err error) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

// Upstream wraps a failed call to a collaborator (REST, Firestore, identity).
func Upstream(message string, status int, err error) *AppError {
	return &AppError{
		Code:    CodeUpstream,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// FromStatus maps an HTTP status returned by a collaborator onto a code.
func FromStatus(status int, message string) *AppError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(CodeUnauthorized, message, status, nil)
	case status == http.StatusNotFound:
		return New(CodeNotFound, message, status, nil)
	case status >= 400 && status < 500:
		return New(CodeBadRequest, message, status, nil)
	default:
		return New(CodeUpstream, message, status, nil)
	}
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code returns the code of the outermost AppError in err's chain, or
// CodeInternal when there is none.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
