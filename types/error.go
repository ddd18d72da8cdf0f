package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Recipe and graph error codes
const (
	ErrInvalidRecipe     ErrorCode = "INVALID_RECIPE"
	ErrStepNotFound      ErrorCode = "STEP_NOT_FOUND"
	ErrUnknownStepType   ErrorCode = "UNKNOWN_STEP_TYPE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Execution error codes
const (
	ErrModelCallFailed       ErrorCode = "MODEL_CALL_FAILED"
	ErrToolCallFailed        ErrorCode = "TOOL_CALL_FAILED"
	ErrStepExecutionFailed   ErrorCode = "STEP_EXECUTION_FAILED"
	ErrAgentExecutionFailed  ErrorCode = "AGENT_EXECUTION_FAILED"
	ErrRunCancelled          ErrorCode = "RUN_CANCELLED"
	ErrLoopDetected          ErrorCode = "LOOP_DETECTED"
	ErrCircuitOpen           ErrorCode = "CIRCUIT_OPEN"
	ErrRateLimited           ErrorCode = "RATE_LIMITED"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrToolNotFound          ErrorCode = "TOOL_NOT_FOUND"
	ErrHumanInputUnavailable ErrorCode = "HUMAN_INPUT_UNAVAILABLE"
)

// Storage error codes
const (
	ErrRunNotFound   ErrorCode = "RUN_NOT_FOUND"
	ErrStoreFailure  ErrorCode = "STORE_FAILURE"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	StepID    string    `json:"step_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStep records the step the error belongs to.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
