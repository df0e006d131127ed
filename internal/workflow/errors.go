package workflow

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is() support
var (
	ErrValidation          = errors.New("validation failed")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrStepNotSuspended    = errors.New("step not suspended")
	ErrStepExecution       = errors.New("step execution failed")
	ErrCompensation        = errors.New("compensation failed")
	ErrStepTimeout         = errors.New("step timeout")
	ErrTransactionLocked   = errors.New("transaction locked")
)

// Error codes stored alongside transactions and surfaced to callers.
const (
	ErrCodeValidation          = "VALIDATION"
	ErrCodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	ErrCodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	ErrCodeStepNotSuspended    = "STEP_NOT_SUSPENDED"
	ErrCodeStepExecution       = "STEP_EXECUTION"
	ErrCodeCompensationFailed  = "COMPENSATION_FAILED"
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeTransactionLocked   = "TRANSACTION_LOCKED"
)

// MaxErrorLength caps error messages persisted to the store (2KB).
const MaxErrorLength = 2048

// EngineError is the base error type for all engine errors.
type EngineError struct {
	Code    string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ValidationError reports malformed input to Run or a signal call.
// No engine state is mutated when it is returned.
type ValidationError struct {
	EngineError
	Field string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{
		EngineError: EngineError{Code: ErrCodeValidation, Message: msg},
		Field:       field,
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// WorkflowNotFoundError reports an unknown workflow id.
type WorkflowNotFoundError struct {
	EngineError
	WorkflowID string
}

func NewWorkflowNotFoundError(workflowID string) *WorkflowNotFoundError {
	return &WorkflowNotFoundError{
		EngineError: EngineError{
			Code:    ErrCodeWorkflowNotFound,
			Message: fmt.Sprintf("workflow '%s' is not registered", workflowID),
		},
		WorkflowID: workflowID,
	}
}

func (e *WorkflowNotFoundError) Is(target error) bool {
	return target == ErrWorkflowNotFound
}

// TransactionNotFoundError reports an unknown transaction/workflow pair.
type TransactionNotFoundError struct {
	EngineError
	TransactionID string
	WorkflowID    string
}

func NewTransactionNotFoundError(txID, workflowID string) *TransactionNotFoundError {
	return &TransactionNotFoundError{
		EngineError: EngineError{
			Code:    ErrCodeTransactionNotFound,
			Message: fmt.Sprintf("transaction '%s' not found for workflow '%s'", txID, workflowID),
		},
		TransactionID: txID,
		WorkflowID:    workflowID,
	}
}

func (e *TransactionNotFoundError) Is(target error) bool {
	return target == ErrTransactionNotFound
}

// StepNotSuspendedError reports a signal addressed at a step that is not
// currently awaiting one. Duplicate, out-of-order and misrouted signals all
// land here; callers probing multiple mutually exclusive gates should use
// ProbeStepSuccess instead of suppressing it by hand.
type StepNotSuspendedError struct {
	EngineError
	Key    IdempotencyKey
	Status StepStatus
}

func NewStepNotSuspendedError(key IdempotencyKey, status StepStatus) *StepNotSuspendedError {
	return &StepNotSuspendedError{
		EngineError: EngineError{
			Code:    ErrCodeStepNotSuspended,
			Message: fmt.Sprintf("step '%s' of transaction '%s' is %s, not suspended", key.StepID, key.TransactionID, status),
		},
		Key:    key,
		Status: status,
	}
}

func (e *StepNotSuspendedError) Is(target error) bool {
	return target == ErrStepNotSuspended
}

// StepExecutionError reports a step's forward action failing after its retry
// budget was exhausted.
type StepExecutionError struct {
	EngineError
	TransactionID string
	StepID        string
	Attempts      int
}

func NewStepExecutionError(txID, stepID string, attempts int, cause error) *StepExecutionError {
	return &StepExecutionError{
		EngineError: EngineError{
			Code:    ErrCodeStepExecution,
			Message: fmt.Sprintf("step '%s' of transaction '%s' failed after %d attempt(s)", stepID, txID, attempts),
			Cause:   cause,
		},
		TransactionID: txID,
		StepID:        stepID,
		Attempts:      attempts,
	}
}

func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

// CompensationError reports a compensating action failing during rollback.
// It never aborts the rest of the compensation chain.
type CompensationError struct {
	EngineError
	TransactionID string
	StepID        string
}

func NewCompensationError(txID, stepID string, cause error) *CompensationError {
	return &CompensationError{
		EngineError: EngineError{
			Code:    ErrCodeCompensationFailed,
			Message: fmt.Sprintf("compensation for step '%s' of transaction '%s' failed", stepID, txID),
			Cause:   cause,
		},
		TransactionID: txID,
		StepID:        stepID,
	}
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensation
}

// StepTimeoutError reports a suspended step that exceeded its wait window.
type StepTimeoutError struct {
	EngineError
	TransactionID string
	StepID        string
	Timeout       time.Duration
}

func NewStepTimeoutError(txID, stepID string, timeout time.Duration) *StepTimeoutError {
	return &StepTimeoutError{
		EngineError: EngineError{
			Code:    ErrCodeStepTimeout,
			Message: fmt.Sprintf("step '%s' of transaction '%s' received no signal within %s", stepID, txID, timeout),
		},
		TransactionID: txID,
		StepID:        stepID,
		Timeout:       timeout,
	}
}

func (e *StepTimeoutError) Is(target error) bool {
	return target == ErrStepTimeout
}

// TransactionLockedError reports a transaction locked by another process.
type TransactionLockedError struct {
	EngineError
	TransactionID string
}

func NewTransactionLockedError(txID string) *TransactionLockedError {
	return &TransactionLockedError{
		EngineError: EngineError{
			Code:    ErrCodeTransactionLocked,
			Message: fmt.Sprintf("transaction '%s' is locked by another process", txID),
		},
		TransactionID: txID,
	}
}

func (e *TransactionLockedError) Is(target error) bool {
	return target == ErrTransactionLocked
}

// TruncateError truncates an error message to MaxErrorLength before it is
// persisted.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	marker := "... [TRUNCATED]"
	return msg[:MaxErrorLength-len(marker)] + marker
}
