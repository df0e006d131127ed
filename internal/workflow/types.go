// Package workflow implements a durable, suspend/resume step orchestrator.
//
// A workflow is a named, ordered composition of steps with explicit data-flow
// mappings. Each run of a workflow is persisted as a Transaction; steps marked
// Async suspend the transaction until an external signal addressed by an
// IdempotencyKey resumes it. When a step fails, completed steps are
// compensated in reverse order.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Status represents the state of a transaction.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReverted  Status = "reverted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReverted
}

// StepStatus represents the state of a single step within a transaction.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSuspended   StepStatus = "suspended"
	StepDone        StepStatus = "done"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Action is the signal kind addressed by an idempotency key.
type Action string

const (
	ActionInvoke     Action = "INVOKE"
	ActionCompensate Action = "COMPENSATE"
)

// IdempotencyKey uniquely addresses one pending suspension point. At most one
// outstanding suspension exists per key at a time.
type IdempotencyKey struct {
	WorkflowID    string `json:"workflow_id"`
	TransactionID string `json:"transaction_id"`
	StepID        string `json:"step_id"`
	Action        Action `json:"action"`
}

// StepResult is what a forward action returns. Output is visible to later
// steps; CompensationData is passed to the compensating action only, so the
// forward action can return a rich response downstream while giving the
// compensator just what it needs to undo the effect.
type StepResult struct {
	Output           json.RawMessage `json:"output,omitempty"`
	CompensationData json.RawMessage `json:"compensation_data,omitempty"`
}

// StepContext carries the per-transaction collaborators a step body needs.
// It replaces service-locator style lookups with explicit values.
type StepContext struct {
	TransactionID string
	WorkflowID    string
	StepID        string
	Attempt       int
	Logger        *zap.Logger
}

// StepInputs exposes the original workflow input and prior step outputs to
// input mappers.
type StepInputs struct {
	WorkflowInput json.RawMessage
	outputs       map[string]json.RawMessage
}

// Output returns the recorded output of a previously completed step, or nil.
func (in StepInputs) Output(stepID string) json.RawMessage {
	return in.outputs[stepID]
}

// InputMapper derives a step's input from prior outputs and the workflow
// input. Mappers must be pure: the engine recomputes them when resuming a
// transaction after a restart.
type InputMapper func(in StepInputs) (json.RawMessage, error)

// InvokeFunc is a step's forward action. For Async steps it performs setup
// only; the terminal output arrives later via SetStepSuccess.
type InvokeFunc func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error)

// CompensateFunc is a step's inverse action. It receives exactly the
// CompensationData the forward action returned.
type CompensateFunc func(ctx context.Context, sc StepContext, data json.RawMessage) error

// RetryPolicy configures automatic retries for transient failures of
// synchronous steps.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
	AutoRetry  bool
}

// StepDefinition defines one named unit of work within a workflow.
type StepDefinition struct {
	ID         string
	Invoke     InvokeFunc
	Compensate CompensateFunc
	Input      InputMapper

	// Async marks the step as suspending: Invoke performs setup and the
	// engine parks the transaction until a signal arrives.
	Async bool

	// Timeout bounds how long an Async step may stay suspended before the
	// engine fails it autonomously. Zero means wait forever.
	Timeout time.Duration

	Retry *RetryPolicy

	// SubWorkflow runs another registered definition as this step. The
	// child's full result becomes this step's output; suspension inside
	// the child suspends the parent identically.
	SubWorkflow string
}

// Definition is an ordered composition of steps with a stable id.
type Definition struct {
	ID    string
	Steps []StepDefinition

	// InputSchema optionally holds a JSON Schema the run input is
	// validated against before a transaction is created.
	InputSchema string

	// Store keeps terminal transactions for auditability. When false the
	// record is deleted as soon as the transaction terminates.
	Store bool

	// Retention prunes stored terminal transactions after this duration.
	// Zero falls back to the engine default.
	Retention time.Duration
}

// StepState is the durable state of one step within a transaction.
type StepState struct {
	StepID           string          `json:"step_id"`
	Status           StepStatus      `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	CompensationData json.RawMessage `json:"compensation_data,omitempty"`
	Error            string          `json:"error,omitempty"`
	Attempts         int             `json:"attempts,omitempty"`
	SuspendedAt      *time.Time      `json:"suspended_at,omitempty"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	ChildTxID        string          `json:"child_tx_id,omitempty"`
}

// Transaction is the durable state of one running workflow instance.
type Transaction struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Status     Status          `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Steps      []StepState     `json:"steps"`
	Errors     []string        `json:"errors,omitempty"`

	// Parent linkage for sub-workflow steps.
	ParentTxID       string `json:"parent_tx_id,omitempty"`
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
	ParentStepID     string `json:"parent_step_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step returns the state for the given step id, or nil.
func (t *Transaction) Step(stepID string) *StepState {
	for i := range t.Steps {
		if t.Steps[i].StepID == stepID {
			return &t.Steps[i]
		}
	}
	return nil
}

// SuspendedStep returns the currently suspended step, or nil.
func (t *Transaction) SuspendedStep() *StepState {
	for i := range t.Steps {
		if t.Steps[i].Status == StepSuspended {
			return &t.Steps[i]
		}
	}
	return nil
}

// DoneSteps counts steps marked done, for status display.
func (t *Transaction) DoneSteps() int {
	n := 0
	for i := range t.Steps {
		if t.Steps[i].Status == StepDone {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so store reads never alias engine mutations.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Steps = make([]StepState, len(t.Steps))
	copy(cp.Steps, t.Steps)
	for i := range cp.Steps {
		if t.Steps[i].SuspendedAt != nil {
			at := *t.Steps[i].SuspendedAt
			cp.Steps[i].SuspendedAt = &at
		}
		if t.Steps[i].Deadline != nil {
			d := *t.Steps[i].Deadline
			cp.Steps[i].Deadline = &d
		}
	}
	cp.Errors = append([]string(nil), t.Errors...)
	return &cp
}

// outputs collects the outputs of done steps for input mapping.
func (t *Transaction) outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(t.Steps))
	for i := range t.Steps {
		if t.Steps[i].Status == StepDone {
			out[t.Steps[i].StepID] = t.Steps[i].Output
		}
	}
	return out
}

// RunResult is returned by Run and the signal primitives.
type RunResult struct {
	TransactionID string          `json:"transaction_id"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Errs          []error         `json:"-"`
}

// TransactionFilter is used to query transactions.
type TransactionFilter struct {
	WorkflowID string
	Status     []Status
	Limit      int
	Offset     int
}
