package api

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the stable, client-visible classification of a failure.
type ErrorCode string

const (
	ErrorCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrorCodeAPINotFound        ErrorCode = "API_NOT_FOUND"
	ErrorCodeCredentialRequired ErrorCode = "CREDENTIAL_REQUIRED"
	ErrorCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrorCodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus returns the status code a given error code is served with.
// Unknown codes map to 500.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeAPINotFound:
		return http.StatusNotFound
	case ErrorCodeCredentialRequired, ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// APIError is a failure that is safe to show to the caller as-is.
type APIError struct {
	Code    ErrorCode      `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns a copy of e with key set in its details.
func (e *APIError) WithDetail(key string, value any) *APIError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error      ErrorCode      `json:"error"`
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode"`
	RequestID  string         `json:"requestId"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewInvalidRequestError creates an APIError for malformed input.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{Code: ErrorCodeInvalidRequest, Message: message}
}

// NewNotFoundError creates an APIError for unknown or inactive endpoints.
func NewNotFoundError(message string) *APIError {
	return &APIError{Code: ErrorCodeAPINotFound, Message: message}
}

// NewCredentialRequiredError creates an APIError for a missing credential.
func NewCredentialRequiredError(message string) *APIError {
	return &APIError{Code: ErrorCodeCredentialRequired, Message: message}
}

// NewUnauthorizedError creates an APIError for a rejected credential.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{Code: ErrorCodeUnauthorized, Message: message}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Code: ErrorCodeRateLimitExceeded, Message: message}
}

// NewTimeoutError creates an APIError for an expired deadline.
func NewTimeoutError(message string) *APIError {
	return &APIError{Code: ErrorCodeTimeout, Message: message}
}

// NewServerError creates an APIError for internal failures.
func NewServerError(message string) *APIError {
	return &APIError{Code: ErrorCodeInternal, Message: message}
}
