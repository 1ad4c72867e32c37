package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Media acquisition
	ErrCodePermissionDenied       ErrorCode = "MEDIA_PERMISSION_DENIED"
	ErrCodeDeviceBusy             ErrorCode = "MEDIA_DEVICE_BUSY"
	ErrCodeNoDeviceAvailable      ErrorCode = "MEDIA_NO_DEVICE"
	ErrCodeUnsupportedEnvironment ErrorCode = "MEDIA_UNSUPPORTED_ENVIRONMENT"
	ErrCodeConstraintsUnsupported ErrorCode = "MEDIA_CONSTRAINTS_UNSUPPORTED"

	// Negotiation
	ErrCodeOfferCreationFailed        ErrorCode = "NEGOTIATION_OFFER_FAILED"
	ErrCodeAnswerCreationFailed       ErrorCode = "NEGOTIATION_ANSWER_FAILED"
	ErrCodeRemoteDescriptionRejected  ErrorCode = "NEGOTIATION_REMOTE_DESCRIPTION_REJECTED"
	ErrCodeCandidateApplicationFailed ErrorCode = "NEGOTIATION_CANDIDATE_FAILED"

	// Connection
	ErrCodeConnectionLost ErrorCode = "CONNECTION_LOST"
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

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// AppErrorer is implemented by domain errors that can describe themselves as an AppError.
type AppErrorer interface {
	AppError() *AppError
}

// GetAppError extracts an AppError from the error chain, converting domain errors on the way.
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var conv AppErrorer
	if stderrors.As(err, &conv) {
		return conv.AppError()
	}

	return nil
}

// CodeOf returns the error code in the chain, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
