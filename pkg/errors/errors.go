package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeBudgetDenied     ErrorType = "budget_denied"
	ErrorTypeKillSwitch       ErrorType = "kill_switch"
	ErrorTypeCircuitOpen      ErrorType = "circuit_open"
	ErrorTypeContentRejected  ErrorType = "content_rejected"
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeExternal         ErrorType = "external"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypePlanStep         ErrorType = "plan_step_failed"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewStoreUnavailableError(operation string, cause error) *AppError {
	return NewAppError(ErrorTypeStoreUnavailable, "STORE_UNAVAILABLE",
		fmt.Sprintf("state store unavailable during %s", operation)).WithCause(cause)
}

// Governance-specific errors

// NewBudgetDeniedError is returned when a preflight projection exceeds the
// configured spend ceiling for a tenant.
func NewBudgetDeniedError(tenant, reason string) *AppError {
	return NewAppError(ErrorTypeBudgetDenied, "BUDGET_DENIED", reason).
		WithDetail("tenant", tenant)
}

// NewKillSwitchError is returned when the tenant's kill switch is already
// active; no spend recomputation happens on this path.
func NewKillSwitchError(tenant string) *AppError {
	return NewAppError(ErrorTypeKillSwitch, "KILL_SWITCH_ACTIVE",
		fmt.Sprintf("kill switch active for tenant %s", tenant)).
		WithDetail("tenant", tenant)
}

// NewContentRejectedError is returned when the content classifier flags the
// outbound payload. The matched pattern names travel in the details.
func NewContentRejectedError(patterns []string) *AppError {
	err := NewAppError(ErrorTypeContentRejected, "CONTENT_REJECTED",
		"payload rejected by content classification")
	for i, p := range patterns {
		err = err.WithDetail(fmt.Sprintf("pattern_%d", i), p)
	}
	return err
}

func NewPlanStepError(planID, stepID, message string) *AppError {
	return NewAppError(ErrorTypePlanStep, "PLAN_STEP_FAILED", message).
		WithDetail("plan_id", planID).
		WithDetail("step_id", stepID)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsDenial reports whether the error is an admission denial: an expected
// outcome callers branch on, as opposed to an infrastructure or programming
// failure.
func IsDenial(err error) bool {
	switch GetType(err) {
	case ErrorTypeBudgetDenied, ErrorTypeKillSwitch, ErrorTypeCircuitOpen, ErrorTypeContentRejected:
		return true
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}
