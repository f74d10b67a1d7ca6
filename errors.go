package agentrun

import "fmt"

// Error codes for specific failure types
const (
	ErrCodePlanParse           = "PLAN_PARSE_ERROR"
	ErrCodeToolNotFound        = "TOOL_NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeToolExecution       = "TOOL_EXECUTION_ERROR"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeQueueUnavailable    = "QUEUE_UNAVAILABLE"
	ErrCodeApprovalRejected    = "APPROVAL_REJECTED"
	ErrCodeCancelled           = "EXECUTION_CANCELLED"
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Error is the coded error type used across the engine. Code is machine
// readable, Stage names the phase that produced the error ("planning",
// "execution", "queue", "worker"), and Cause is the underlying error, if any.
type Error struct {
	Code    string
	Message string
	Stage   string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new coded Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stage:   stage,
		Cause:   cause,
	}
}

// IsCode reports whether err is an *Error carrying the given code.
func IsCode(err error, code string) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// Specific error constructors

// NewPlanParseError marks model output that could not be parsed into a valid
// step list. Terminal for that Plan call; the caller may retry the whole call.
func NewPlanParseError(message string, cause error) *Error {
	return NewError(ErrCodePlanParse, "planning", message, cause)
}

// NewToolNotFoundError marks a plan step referencing an unregistered tool.
// Never retried: retrying cannot make a missing tool appear.
func NewToolNotFoundError(stage, toolName string) *Error {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

// NewValidationError marks step parameters rejected by the tool's own
// validation. Never retried: the same parameters would fail again.
func NewValidationError(stage, message string, cause error) *Error {
	return NewError(ErrCodeValidation, stage, message, cause)
}

// NewToolExecutionError marks a tool that ran and failed. Retryable when the
// step allows it, bounded by the config retry count.
func NewToolExecutionError(stage, toolName string, cause error) *Error {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

// NewInsufficientCreditsError is raised by the worker before execution starts
// when the owner's remaining budget cannot cover the plan estimate. Terminal.
func NewInsufficientCreditsError(required, remaining int) *Error {
	msg := fmt.Sprintf("plan requires %d credits but only %d remain", required, remaining)
	return NewError(ErrCodeInsufficientCredits, "worker", msg, nil)
}

// NewQueueUnavailableError records a broker failure. Never surfaced to
// enqueue callers; absorbed into the graceful-degradation fallback path.
func NewQueueUnavailableError(operation string, cause error) *Error {
	return NewError(ErrCodeQueueUnavailable, "queue", fmt.Sprintf("queue operation '%s' unavailable", operation), cause)
}

// NewApprovalRejectedError marks a step whose required approval was denied.
func NewApprovalRejectedError(step int) *Error {
	return NewError(ErrCodeApprovalRejected, "execution", fmt.Sprintf("approval rejected for step %d", step), nil)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsRetryable reports whether an error class may be retried at the step
// level. Only tool execution failures qualify; everything else is either a
// configuration problem or handled at a coarser layer.
func IsRetryable(err error) bool {
	return IsCode(err, ErrCodeToolExecution)
}
