package workflow

import "time"

// Events provides hooks for observability. All callbacks are optional.
// Handlers are called synchronously but wrapped in panic recovery, so a
// failing handler never affects the transaction.
type Events struct {
	// Transaction lifecycle
	OnRunStart     func(txID, workflowID string)
	OnRunSuspended func(txID, workflowID, stepID string)
	OnRunCompleted func(txID, workflowID string)
	OnRunFailed    func(txID, workflowID string, err error)
	OnRunReverted  func(txID, workflowID string)

	// Step lifecycle
	OnStepStart     func(txID, stepID string)
	OnStepDone      func(txID, stepID string, duration time.Duration)
	OnStepFailed    func(txID, stepID string, err error, attempt int)
	OnStepRetry     func(txID, stepID string, attempt int, err error)
	OnStepSuspended func(txID, stepID string)
	OnStepResumed   func(txID, stepID string)
	OnStepTimeout   func(txID, stepID string, timeout time.Duration)

	// Compensation lifecycle
	OnCompensationStart  func(txID, stepID string)
	OnCompensationDone   func(txID, stepID string)
	OnCompensationFailed func(txID, stepID string, err error)
}

// emit safely calls an event handler, catching any panics.
func emit(handler func()) {
	if handler == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	handler()
}
