package bus

import "errors"

// Sentinel errors returned by the store and router, checked with errors.Is
// by callers that need to distinguish expected conditions from genuine
// failures.
var (
	ErrQueueEmpty          = errors.New("bus: queue empty")
	ErrMessageNotFound     = errors.New("bus: message not found")
	ErrUnknownMessageKind  = errors.New("bus: unknown message kind")
	ErrReplanExhausted     = errors.New("bus: replan depth exhausted")
	ErrConsultTimeout      = errors.New("bus: consult timed out waiting for guidance")
	ErrCollectTimeout      = errors.New("bus: timed out waiting for response")
)

// ErrorKind is the closed taxonomy of role/execution failures. Each
// consumer-visible failure carries one of these.
type ErrorKind string

const (
	ErrorToolFailure        ErrorKind = "tool_failure"
	ErrorBudgetExceeded     ErrorKind = "budget_exceeded"
	ErrorGateBlocked        ErrorKind = "gate_blocked"
	ErrorApprovalDenied     ErrorKind = "approval_denied"
	ErrorVerificationFailed ErrorKind = "verification_failed"
	ErrorTimeout            ErrorKind = "timeout"
)

// RoleError is returned by a role adapter to mark a failure as retryable or
// terminal. When one reaches the base consumer template, a retryable error
// is nacked and a non-retryable one is dead-lettered with DeadLetterReason.
// The executor consumer reports its role's errors as a failed
// execution_status instead, so they never reach that template.
type RoleError struct {
	Kind        ErrorKind
	OriginAgent string
	Message     string
	Retryable   bool
}

func (e *RoleError) Error() string {
	return e.Message
}

// DeadLetterReason maps a RoleError to the string recorded against the
// dead-lettered row.
func (e *RoleError) DeadLetterReason() string {
	return string(e.Kind) + ": " + e.Message
}
