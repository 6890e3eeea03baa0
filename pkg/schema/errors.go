package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAdapter           = "ADAPTER_ERROR"    // transient backend failure, retried with backoff
	ErrCodeAdapterRejected   = "ADAPTER_REJECTED" // backend-reported business failure, never retried
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// CastError is the structured error type for all engine operations.
type CastError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  int            `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CastError) Error() string {
	if e.StepID > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CastError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code describes a transient condition.
func (e *CastError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAdapter, ErrCodeStore, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new CastError.
func NewError(code, message string) *CastError {
	return &CastError{Code: code, Message: message}
}

// NewErrorf creates a new CastError with a formatted message.
func NewErrorf(code, format string, args ...any) *CastError {
	return &CastError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *CastError) WithStep(stepID int) *CastError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *CastError) WithCause(err error) *CastError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CastError) WithDetails(details map[string]any) *CastError {
	e.Details = details
	return e
}
