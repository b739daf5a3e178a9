package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeExecution              = "EXECUTION_ERROR"
	ErrCodeTimeout                = "TIMEOUT_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeDependencyNotSatisfied = "DEPENDENCY_NOT_SATISFIED"
	ErrCodeUnknownProcessType     = "UNKNOWN_PROCESS_TYPE"
	ErrCodeUnknownAction          = "UNKNOWN_ACTION"
	ErrCodeInteractionExpired     = "INTERACTION_EXPIRED"
	ErrCodeCycleDetected          = "CYCLE_DETECTED"
	ErrCodeNodeFailed             = "NODE_FAILED"
	ErrCodeCancelled              = "CANCELLED"
	ErrCodeRetryExhausted         = "RETRY_EXHAUSTED"
	ErrCodeStore                  = "STORE_ERROR"
	ErrCodeInterpolation          = "INTERPOLATION_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"nodeId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
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

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code allows another execution
// attempt. Validation and state-machine errors never retry.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}
