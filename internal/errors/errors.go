package errors

import (
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// Admission errors (402xx / 429xx)
	ErrInsufficientCredits ErrorCode = "40201"
	ErrQuotaExceeded       ErrorCode = "42901"

	// Resource errors (404xx)
	ErrAccountNotFound ErrorCode = "40401"

	// Dependency errors (424xx)
	ErrNoCredentialAvailable ErrorCode = "42401"
	ErrNoAvailableModel      ErrorCode = "42402"

	// Server errors (500xx)
	ErrInternalServer   ErrorCode = "50001"
	ErrProviderDispatch ErrorCode = "50301"
)

// AdmissionDetails is the structured payload the presentation layer depends
// on to render user-facing messages: tier, remaining/limit numbers, and when
// the window resets.
type AdmissionDetails struct {
	Tier      string     `json:"tier,omitempty"`
	Remaining string     `json:"remaining,omitempty"`
	Limit     string     `json:"limit,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Details    *AdmissionDetails `json:"details,omitempty"`
	HTTPStatus int               `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// NewInsufficientCreditsError builds the admission rejection for a balance
// shortfall.
func NewInsufficientCreditsError(tier, remaining string) *APIError {
	return &APIError{
		Code:       ErrInsufficientCredits,
		Message:    "Insufficient credits",
		Details:    &AdmissionDetails{Tier: tier, Remaining: remaining},
		HTTPStatus: http.StatusPaymentRequired,
	}
}

// NewQuotaExceededError builds the admission rejection for a call-count
// overrun, including when the window resets.
func NewQuotaExceededError(tier string, used, limit string, resetAt time.Time) *APIError {
	return &APIError{
		Code:       ErrQuotaExceeded,
		Message:    "Call quota exceeded for the current window",
		Details:    &AdmissionDetails{Tier: tier, Remaining: used, Limit: limit, ResetAt: &resetAt},
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NewNoCredentialError reports that no usable provider credential exists.
func NewNoCredentialError(tier string) *APIError {
	return &APIError{
		Code:       ErrNoCredentialAvailable,
		Message:    "No provider credential available",
		Details:    &AdmissionDetails{Tier: tier},
		HTTPStatus: http.StatusFailedDependency,
	}
}

// NewNoAvailableModelError reports an empty eligible candidate set.
func NewNoAvailableModelError(tier string) *APIError {
	return &APIError{
		Code:       ErrNoAvailableModel,
		Message:    "No available model satisfies the request",
		Details:    &AdmissionDetails{Tier: tier},
		HTTPStatus: http.StatusFailedDependency,
	}
}

// NewProviderDispatchError reports exhausted dispatch attempts.
func NewProviderDispatchError(tier string) *APIError {
	return &APIError{
		Code:       ErrProviderDispatch,
		Message:    "All provider dispatch attempts failed",
		Details:    &AdmissionDetails{Tier: tier},
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Common errors
var (
	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)
