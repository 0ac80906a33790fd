package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Credential errors
	CodeAuthFailed   = "AUTH_FAILED"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"

	// Upstream provider errors
	CodeTransientUpstream = "TRANSIENT_UPSTREAM"
	CodePermanentUpstream = "PERMANENT_UPSTREAM"
	CodeRateLimited       = "RATE_LIMITED"

	// Validation errors
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeBadRequest      = "BAD_REQUEST"
	CodeMissingField    = "MISSING_FIELD"

	// Resource errors
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeConflict      = "CONFLICT"

	// Pipeline errors
	CodeParseError                = "PARSE_ERROR"
	CodeStorageError              = "STORAGE_ERROR"
	CodeClassificationUnavailable = "CLASSIFICATION_UNAVAILABLE"
	CodeCancelled                 = "CANCELLED"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Retryable reports whether the failure is worth retrying with backoff.
// Only transient upstream failures and rate limits qualify.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case CodeTransientUpstream, CodeRateLimited, CodeTimeout:
		return true
	}
	return false
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Credential errors
func AuthFailed(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeAuthFailed,
		Message: fmt.Sprintf("authentication failed for %s", provider),
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func InvalidToken(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidToken,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func TokenExpired(userID string) *AppError {
	return &AppError{
		Code:    CodeTokenExpired,
		Message: "token expired and could not be refreshed",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"user_id": userID},
	}
}

// Upstream errors
func TransientUpstream(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeTransientUpstream,
		Message: fmt.Sprintf("transient upstream failure from %s", provider),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func PermanentUpstream(provider string, err error) *AppError {
	return &AppError{
		Code:    CodePermanentUpstream,
		Message: fmt.Sprintf("permanent upstream failure from %s", provider),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func RateLimited(provider string) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("rate limited by %s", provider),
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"provider": provider},
	}
}

// Validation errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidArgument(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidArgument,
		Message: fmt.Sprintf("invalid argument '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func AlreadyExists(resource string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists", resource),
		Status:  http.StatusConflict,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// Pipeline errors
func ParseError(what string, err error) *AppError {
	return &AppError{
		Code:    CodeParseError,
		Message: fmt.Sprintf("failed to parse %s", what),
		Status:  http.StatusUnprocessableEntity,
		Err:     err,
	}
}

func StorageError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeStorageError,
		Message: fmt.Sprintf("storage error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ClassificationUnavailable(err error) *AppError {
	return &AppError{
		Code:    CodeClassificationUnavailable,
		Message: "classification backend unavailable",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

func Cancelled(operation string) *AppError {
	return &AppError{
		Code:    CodeCancelled,
		Message: fmt.Sprintf("operation cancelled: %s", operation),
		Status:  http.StatusRequestTimeout,
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

// Common error instances
var (
	ErrNotFound     = NotFound("resource")
	ErrUnauthorized = Unauthorized("")
	ErrBadRequest   = BadRequest("bad request")
	ErrInternal     = Internal("")
	ErrConflict     = Conflict("resource conflict")
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled("context canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("context deadline exceeded")
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err maps to a retryable failure.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}

// CodeOf extracts the error code, or INTERNAL_ERROR for plain errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}
