package errors

import (
	"errors"
	"fmt"
	"net/http"

	"duocall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"

	ErrCodeCallEnded        ErrorCode = "CALL_ENDED"
	ErrCodeCallBusy         ErrorCode = "CALL_BUSY"
	ErrCodeInvalidUpdate    ErrorCode = "INVALID_UPDATE"
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

var domainErrors = []struct {
	target error
	code   ErrorCode
	status int
}{
	{domain.ErrCallNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrNotParticipant, ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrCallConflict, ErrCodeConflict, http.StatusConflict},
	{domain.ErrCallAlreadyActive, ErrCodeCallBusy, http.StatusConflict},
	{domain.ErrCallEnded, ErrCodeCallEnded, http.StatusGone},
	{domain.ErrSelfCall, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidTransition, ErrCodeInvalidUpdate, http.StatusConflict},
	{domain.ErrWrongWriter, ErrCodeInvalidUpdate, http.StatusForbidden},
	{domain.ErrDescriptionMismatch, ErrCodeInvalidUpdate, http.StatusBadRequest},
	{domain.ErrMissingLocalTracks, ErrCodeMediaUnavailable, http.StatusUnprocessableEntity},
	{domain.ErrMissingMediaInDescription, ErrCodeMediaUnavailable, http.StatusUnprocessableEntity},
	{domain.ErrAnswerTimeout, ErrCodeGatewayTimeout, http.StatusGatewayTimeout},
}

// FromDomainError maps core errors to an AppError. Unknown errors become
// internal errors carrying the original as cause.
func FromDomainError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return WrapError(err, m.code, m.target.Error(), m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// CodeFor returns the error code FromDomainError would assign.
func CodeFor(err error) ErrorCode {
	if appErr := FromDomainError(err); appErr != nil {
		return appErr.Code
	}
	return ""
}

// ToDomainError restores the core sentinel for a code and message produced by
// FromDomainError, so remote callers can still match with errors.Is.
func ToDomainError(code ErrorCode, message string) error {
	for _, m := range domainErrors {
		if m.code == code && m.target.Error() == message {
			return m.target
		}
	}
	return NewAppError(code, message, http.StatusInternalServerError)
}

