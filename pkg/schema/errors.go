package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeCapability        = "CAPABILITY_ERROR"
	ErrCodeRunFault          = "RUN_FAULT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Step       string         `json:"step,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Cause      error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewCapabilityError creates a CAPABILITY_ERROR carrying the capability name
// and the underlying cause.
func NewCapabilityError(capability string, cause error) *EngineError {
	return &EngineError{
		Code:       ErrCodeCapability,
		Message:    fmt.Sprintf("capability %q: %s", capability, cause.Error()),
		Capability: capability,
		Cause:      cause,
	}
}

// WithStep attaches a step name to the error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithCapability attaches a capability name to the error.
func (e *EngineError) WithCapability(name string) *EngineError {
	e.Capability = name
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details, merging with any already present.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// IsRetryable reports whether the error code allows a retry at the
// capability invoker seam. Definition and validation problems never do.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDefinition, ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodeExpression:
		return false
	default:
		return true
	}
}
