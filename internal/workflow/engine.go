package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval    = 250 * time.Millisecond
	defaultWatchdogInterval = 5 * time.Second
	defaultRetention        = 30 * 24 * time.Hour
)

// Engine resolves workflow definitions, starts transactions, advances them
// step by step and exposes the signal primitives that resume suspended steps
// out of band.
type Engine struct {
	registry *Registry
	store    Store
	lock     Lock
	logger   *zap.Logger
	tracer   trace.Tracer

	listeners []*Events

	retention        time.Duration
	watchdogInterval time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDefaultRetention sets the terminal-transaction retention applied to
// workflows that do not configure their own.
func WithDefaultRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithWatchdogInterval sets how often suspended-step deadlines are swept.
func WithWatchdogInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.watchdogInterval = d
		}
	}
}

func NewEngine(registry *Registry, store Store, lock Lock, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lock == nil {
		lock = NewMemoryLock()
	}
	e := &Engine{
		registry:         registry,
		store:            store,
		lock:             lock,
		logger:           logger,
		tracer:           otel.Tracer("conductor/workflow"),
		retention:        defaultRetention,
		watchdogInterval: defaultWatchdogInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe attaches an event listener. Listeners are invoked synchronously
// with panic recovery; they must never block.
func (e *Engine) Subscribe(ev *Events) {
	if ev != nil {
		e.listeners = append(e.listeners, ev)
	}
}

func (e *Engine) each(f func(ev *Events)) {
	for _, ev := range e.listeners {
		ev := ev
		emit(func() { f(ev) })
	}
}

// Store exposes the transaction store for read-only status display.
func (e *Engine) Store() Store { return e.store }

// Registry exposes the definition registry.
func (e *Engine) Registry() *Registry { return e.registry }

type runOptions struct {
	failFast bool
	txID     string

	parentTxID       string
	parentWorkflowID string
	parentStepID     string
}

// RunOption configures a single Run call.
type RunOption func(*runOptions)

// WithFailFast makes Run return the triggering step error as its error value
// instead of only recording it in RunResult.Errs.
func WithFailFast() RunOption {
	return func(o *runOptions) { o.failFast = true }
}

// WithTransactionID pins the transaction id, for idempotent starts.
func WithTransactionID(id string) RunOption {
	return func(o *runOptions) { o.txID = id }
}

func withParent(txID, workflowID, stepID string) RunOption {
	return func(o *runOptions) {
		o.parentTxID = txID
		o.parentWorkflowID = workflowID
		o.parentStepID = stepID
	}
}

// Run starts a new transaction for the named workflow and executes steps in
// order until the workflow completes, a step suspends, or a step fails and
// the transaction is rolled back. Step failures are reported in
// RunResult.Errs, not the error value, unless WithFailFast is set; the error
// value is reserved for validation and unknown-workflow conditions.
func (e *Engine) Run(ctx context.Context, workflowID string, input json.RawMessage, opts ...RunOption) (RunResult, error) {
	var options runOptions
	for _, opt := range opts {
		opt(&options)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	def, err := e.registry.Get(workflowID)
	if err != nil {
		return RunResult{}, err
	}
	if err := e.registry.ValidateInput(workflowID, input); err != nil {
		return RunResult{}, err
	}

	txID := options.txID
	if txID == "" {
		txID = NewTransactionID()
	}
	tx := &Transaction{
		ID:               txID,
		WorkflowID:       workflowID,
		Status:           StatusRunning,
		Input:            input,
		Steps:            make([]StepState, len(def.Steps)),
		ParentTxID:       options.parentTxID,
		ParentWorkflowID: options.parentWorkflowID,
		ParentStepID:     options.parentStepID,
	}
	for i, step := range def.Steps {
		tx.Steps[i] = StepState{StepID: step.ID, Status: StepPending}
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("create transaction: %w", err)
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	e.appendLog(ctx, tx.ID, fmt.Sprintf("run started for workflow %s", workflowID))
	e.each(func(ev *Events) {
		if ev.OnRunStart != nil {
			ev.OnRunStart(tx.ID, tx.WorkflowID)
		}
	})

	return e.advance(ctx, def, tx, options.failFast)
}

// advance executes pending steps in order until the transaction suspends,
// fails, or completes. It must only be called by the goroutine that just
// performed a state transition on the transaction.
func (e *Engine) advance(ctx context.Context, def Definition, tx *Transaction, failFast bool) (RunResult, error) {
	for i := range def.Steps {
		step := def.Steps[i]
		st := tx.Step(step.ID)
		if st == nil {
			return RunResult{}, NewValidationError("steps", fmt.Sprintf("transaction '%s' has no state for step '%s'", tx.ID, step.ID))
		}

		switch st.Status {
		case StepDone, StepCompensated:
			continue
		case StepSuspended:
			return e.resultFor(def, tx), nil
		}

		input, err := e.stepInput(def, tx, i)
		if err != nil {
			mapErr := NewStepExecutionError(tx.ID, step.ID, 0, fmt.Errorf("input mapping: %w", err))
			return e.failStep(ctx, def, tx, st, mapErr, failFast)
		}

		if step.SubWorkflow != "" {
			return e.runSubWorkflow(ctx, def, tx, i, input, failFast)
		}
		if step.Async {
			return e.suspendStep(ctx, def, tx, i, input, failFast)
		}

		st.Status = StepRunning
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return RunResult{}, fmt.Errorf("persist step start: %w", err)
		}
		e.each(func(ev *Events) {
			if ev.OnStepStart != nil {
				ev.OnStepStart(tx.ID, step.ID)
			}
		})

		start := time.Now()
		res, attempts, err := e.invokeWithRetry(ctx, tx, step, input)
		st.Attempts = attempts
		if err != nil {
			stepErr := NewStepExecutionError(tx.ID, step.ID, attempts, err)
			return e.failStep(ctx, def, tx, st, stepErr, failFast)
		}

		st.Status = StepDone
		st.Output = res.Output
		st.CompensationData = res.CompensationData
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return RunResult{}, fmt.Errorf("persist step result: %w", err)
		}
		e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s done", step.ID))
		e.each(func(ev *Events) {
			if ev.OnStepDone != nil {
				ev.OnStepDone(tx.ID, step.ID, time.Since(start))
			}
		})
	}

	tx.Status = StatusCompleted
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("persist completion: %w", err)
	}
	e.appendLog(ctx, tx.ID, "run completed")
	e.each(func(ev *Events) {
		if ev.OnRunCompleted != nil {
			ev.OnRunCompleted(tx.ID, tx.WorkflowID)
		}
	})
	e.finish(ctx, def, tx)
	return e.resultFor(def, tx), nil
}

// suspendStep runs an Async step's setup action and parks the transaction.
func (e *Engine) suspendStep(ctx context.Context, def Definition, tx *Transaction, i int, input json.RawMessage, failFast bool) (RunResult, error) {
	step := def.Steps[i]
	st := tx.Step(step.ID)

	st.Status = StepRunning
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("persist step start: %w", err)
	}
	e.each(func(ev *Events) {
		if ev.OnStepStart != nil {
			ev.OnStepStart(tx.ID, step.ID)
		}
	})

	res, attempts, err := e.invokeWithRetry(ctx, tx, step, input)
	st.Attempts = attempts
	if err != nil {
		stepErr := NewStepExecutionError(tx.ID, step.ID, attempts, err)
		return e.failStep(ctx, def, tx, st, stepErr, failFast)
	}

	now := time.Now().UTC()
	st.Status = StepSuspended
	st.SuspendedAt = &now
	st.CompensationData = res.CompensationData
	if step.Timeout > 0 {
		deadline := now.Add(step.Timeout)
		st.Deadline = &deadline
	}
	tx.Status = StatusSuspended
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("persist suspension: %w", err)
	}
	e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s suspended, awaiting signal", step.ID))
	e.each(func(ev *Events) {
		if ev.OnStepSuspended != nil {
			ev.OnStepSuspended(tx.ID, step.ID)
		}
		if ev.OnRunSuspended != nil {
			ev.OnRunSuspended(tx.ID, tx.WorkflowID, step.ID)
		}
	})
	return e.resultFor(def, tx), nil
}

// runSubWorkflow starts a child transaction for a sub-workflow step. The
// parent step is persisted as suspended first; the child's terminal
// transition signals it like any external caller would.
func (e *Engine) runSubWorkflow(ctx context.Context, def Definition, tx *Transaction, i int, input json.RawMessage, failFast bool) (RunResult, error) {
	step := def.Steps[i]
	st := tx.Step(step.ID)

	childID := NewTransactionID()
	now := time.Now().UTC()
	st.Status = StepSuspended
	st.SuspendedAt = &now
	st.ChildTxID = childID
	if step.Timeout > 0 {
		deadline := now.Add(step.Timeout)
		st.Deadline = &deadline
	}
	tx.Status = StatusSuspended
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("persist suspension: %w", err)
	}
	e.each(func(ev *Events) {
		if ev.OnStepSuspended != nil {
			ev.OnStepSuspended(tx.ID, step.ID)
		}
	})
	e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s started sub-workflow %s as transaction %s", step.ID, step.SubWorkflow, childID))

	_, err := e.Run(ctx, step.SubWorkflow, input,
		WithTransactionID(childID),
		withParent(tx.ID, tx.WorkflowID, step.ID))
	if err != nil {
		// The child never started; fail the parent step through the
		// regular signal path so state transitions stay uniform.
		key := IdempotencyKey{
			WorkflowID:    tx.WorkflowID,
			TransactionID: tx.ID,
			StepID:        step.ID,
			Action:        ActionInvoke,
		}
		return e.SetStepFailure(ctx, key, nil, err)
	}

	// The child's terminal transition (if it reached one synchronously)
	// has already signaled this transaction; report its current state.
	latest, err := e.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// Terminal and discarded (Store: false); the in-memory copy
			// still reflects the pre-signal state, so only report ids.
			return RunResult{TransactionID: tx.ID, Status: tx.Status}, nil
		}
		return RunResult{}, err
	}
	return e.resultFor(def, latest), nil
}

// invokeWithRetry executes a step's forward action under its retry policy.
func (e *Engine) invokeWithRetry(ctx context.Context, tx *Transaction, step StepDefinition, input json.RawMessage) (StepResult, int, error) {
	attempts := 0
	maxTries := 1
	interval := defaultRetryInterval
	if step.Retry != nil && step.Retry.AutoRetry {
		if step.Retry.MaxRetries > 0 {
			maxTries = step.Retry.MaxRetries + 1
		}
		if step.Retry.Interval > 0 {
			interval = step.Retry.Interval
		}
	}

	operation := func() (StepResult, error) {
		attempts++
		sc := e.stepContext(tx, step.ID, attempts)
		res, err := step.Invoke(ctx, sc, input)
		if err != nil {
			e.each(func(ev *Events) {
				if ev.OnStepFailed != nil {
					ev.OnStepFailed(tx.ID, step.ID, err, attempts)
				}
			})
			if attempts < maxTries {
				e.each(func(ev *Events) {
					if ev.OnStepRetry != nil {
						ev.OnStepRetry(tx.ID, step.ID, attempts+1, err)
					}
				})
			}
			return StepResult{}, err
		}
		return res, nil
	}

	if maxTries == 1 {
		res, err := operation()
		return res, attempts, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(maxTries)))
	return res, attempts, err
}

// failStep records a step failure and rolls the transaction back.
func (e *Engine) failStep(ctx context.Context, def Definition, tx *Transaction, st *StepState, stepErr error, failFast bool) (RunResult, error) {
	st.Status = StepFailed
	st.Error = TruncateError(stepErr)
	tx.Errors = append(tx.Errors, TruncateError(stepErr))
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("persist step failure: %w", err)
	}
	e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s failed: %s", st.StepID, TruncateError(stepErr)))

	res := e.rollback(ctx, def, tx, stepErr)
	if failFast {
		return res, stepErr
	}
	return res, nil
}

// rollback compensates completed steps in reverse order and finalizes the
// transaction. Compensation failures are collected, never fatal to the chain.
func (e *Engine) rollback(ctx context.Context, def Definition, tx *Transaction, trigger error) RunResult {
	compErrs := e.compensate(ctx, def, tx)
	if len(compErrs) > 0 {
		tx.Status = StatusFailed
	} else {
		tx.Status = StatusReverted
	}
	for _, ce := range compErrs {
		tx.Errors = append(tx.Errors, TruncateError(ce))
	}
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		e.logger.Error("persist rollback state", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	e.appendLog(ctx, tx.ID, fmt.Sprintf("run ended %s", tx.Status))
	e.each(func(ev *Events) {
		if tx.Status == StatusReverted {
			if ev.OnRunReverted != nil {
				ev.OnRunReverted(tx.ID, tx.WorkflowID)
			}
		} else if ev.OnRunFailed != nil {
			ev.OnRunFailed(tx.ID, tx.WorkflowID, trigger)
		}
	})
	e.finish(ctx, def, tx)

	errs := make([]error, 0, len(compErrs)+1)
	errs = append(errs, trigger)
	errs = append(errs, compErrs...)
	return RunResult{TransactionID: tx.ID, Status: tx.Status, Errs: errs}
}

// compensate undoes completed steps in reverse order. Each compensator
// receives exactly the compensation data its forward action recorded.
func (e *Engine) compensate(ctx context.Context, def Definition, tx *Transaction) []error {
	var errs []error
	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := def.Steps[i]
		st := tx.Step(step.ID)
		if st == nil || st.Status != StepDone || step.Compensate == nil {
			continue
		}
		e.each(func(ev *Events) {
			if ev.OnCompensationStart != nil {
				ev.OnCompensationStart(tx.ID, step.ID)
			}
		})
		sc := e.stepContext(tx, step.ID, 0)
		if err := step.Compensate(ctx, sc, st.CompensationData); err != nil {
			compErr := NewCompensationError(tx.ID, step.ID, err)
			e.logger.Error("compensation failed",
				zap.String("transaction_id", tx.ID),
				zap.String("step_id", step.ID),
				zap.Error(err))
			e.appendLog(ctx, tx.ID, fmt.Sprintf("compensation for step %s failed: %s", step.ID, TruncateError(err)))
			e.each(func(ev *Events) {
				if ev.OnCompensationFailed != nil {
					ev.OnCompensationFailed(tx.ID, step.ID, err)
				}
			})
			errs = append(errs, compErr)
			continue
		}
		st.Status = StepCompensated
		e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s compensated", step.ID))
		e.each(func(ev *Events) {
			if ev.OnCompensationDone != nil {
				ev.OnCompensationDone(tx.ID, step.ID)
			}
		})
	}
	return errs
}

// SetStepSuccess resumes a suspended step with its terminal output and
// advances the remaining steps. It returns TransactionNotFound and
// StepNotSuspended errors loudly so resumption bugs surface by default.
func (e *Engine) SetStepSuccess(ctx context.Context, key IdempotencyKey, response json.RawMessage) (RunResult, error) {
	return e.signal(ctx, key, response, nil, true)
}

// SetStepFailure fails a suspended step, triggering compensation of the
// transaction from that point backward.
func (e *Engine) SetStepFailure(ctx context.Context, key IdempotencyKey, response json.RawMessage, cause error) (RunResult, error) {
	return e.signal(ctx, key, response, cause, false)
}

// ProbeStepSuccess is the explicit speculative-signal mode: callers firing
// several mutually exclusive gates use it to swallow only StepNotSuspended.
// All other errors surface, so "gate wasn't active" is never conflated with
// "something is actually broken".
func (e *Engine) ProbeStepSuccess(ctx context.Context, key IdempotencyKey, response json.RawMessage) (RunResult, bool, error) {
	res, err := e.signal(ctx, key, response, nil, true)
	if err != nil {
		if errors.Is(err, ErrStepNotSuspended) {
			return RunResult{}, false, nil
		}
		return RunResult{}, false, err
	}
	return res, true, nil
}

func (e *Engine) signal(ctx context.Context, key IdempotencyKey, response json.RawMessage, cause error, success bool) (RunResult, error) {
	if key.TransactionID == "" || key.StepID == "" || key.WorkflowID == "" {
		return RunResult{}, NewValidationError("idempotency_key", "workflow id, transaction id and step id are required")
	}
	if key.Action != ActionInvoke {
		return RunResult{}, NewValidationError("idempotency_key", fmt.Sprintf("action %q is not routable, only INVOKE suspensions can be signaled", key.Action))
	}

	ctx, span := e.tracer.Start(ctx, "workflow.signal",
		trace.WithAttributes(
			attribute.String("workflow.id", key.WorkflowID),
			attribute.String("transaction.id", key.TransactionID),
			attribute.String("step.id", key.StepID),
			attribute.Bool("signal.success", success)))
	defer span.End()

	def, err := e.registry.Get(key.WorkflowID)
	if err != nil {
		return RunResult{}, err
	}

	token, err := e.lock.Acquire(ctx, key.TransactionID)
	if err != nil {
		return RunResult{}, err
	}
	locked := true
	release := func() {
		if locked {
			locked = false
			if err := e.lock.Release(context.WithoutCancel(ctx), key.TransactionID, token); err != nil {
				e.logger.Warn("lock release failed", zap.String("transaction_id", key.TransactionID), zap.Error(err))
			}
		}
	}
	defer release()

	tx, err := e.store.GetTransaction(ctx, key.TransactionID)
	if err != nil {
		return RunResult{}, NewTransactionNotFoundError(key.TransactionID, key.WorkflowID)
	}
	if tx.WorkflowID != key.WorkflowID {
		return RunResult{}, NewTransactionNotFoundError(key.TransactionID, key.WorkflowID)
	}
	st := tx.Step(key.StepID)
	if st == nil {
		return RunResult{}, NewValidationError("idempotency_key", fmt.Sprintf("workflow '%s' has no step '%s'", key.WorkflowID, key.StepID))
	}
	if st.Status != StepSuspended {
		return RunResult{}, NewStepNotSuspendedError(key, st.Status)
	}

	// Lazy expiry: a signal racing the watchdog loses to the deadline.
	if st.Deadline != nil && time.Now().After(*st.Deadline) {
		stepDef := stepByID(def, key.StepID)
		timeoutErr := NewStepTimeoutError(tx.ID, key.StepID, stepDef.Timeout)
		st.Status = StepFailed
		st.Error = TruncateError(timeoutErr)
		tx.Errors = append(tx.Errors, TruncateError(timeoutErr))
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return RunResult{}, fmt.Errorf("persist timeout: %w", err)
		}
		release()
		e.each(func(ev *Events) {
			if ev.OnStepTimeout != nil {
				ev.OnStepTimeout(tx.ID, key.StepID, stepDef.Timeout)
			}
		})
		e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s timed out while suspended", key.StepID))
		e.rollback(ctx, def, tx, timeoutErr)
		return RunResult{}, timeoutErr
	}

	if success {
		st.Status = StepDone
		st.Output = response
		st.Deadline = nil
		tx.Status = StatusRunning
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return RunResult{}, fmt.Errorf("persist resume: %w", err)
		}
		release()
		e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s resumed by signal", key.StepID))
		e.each(func(ev *Events) {
			if ev.OnStepResumed != nil {
				ev.OnStepResumed(tx.ID, key.StepID)
			}
		})
		return e.advance(ctx, def, tx, false)
	}

	if cause == nil {
		cause = fmt.Errorf("step '%s' failed by external signal", key.StepID)
	}
	st.Status = StepFailed
	st.Output = response
	st.Error = TruncateError(cause)
	tx.Errors = append(tx.Errors, TruncateError(cause))
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return RunResult{}, fmt.Errorf("persist step failure: %w", err)
	}
	release()
	e.appendLog(ctx, tx.ID, fmt.Sprintf("step %s failed by signal: %s", key.StepID, TruncateError(cause)))
	e.each(func(ev *Events) {
		if ev.OnStepFailed != nil {
			ev.OnStepFailed(tx.ID, key.StepID, cause, st.Attempts)
		}
	})
	return e.rollback(ctx, def, tx, cause), nil
}

// finish handles terminal bookkeeping: parent notification for sub-workflow
// transactions and immediate discard for workflows that opt out of history.
func (e *Engine) finish(ctx context.Context, def Definition, tx *Transaction) {
	if tx.ParentTxID != "" {
		e.notifyParent(ctx, def, tx)
	}
	if !def.Store {
		if err := e.store.DeleteTransaction(ctx, tx.ID); err != nil {
			e.logger.Warn("discard transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}
}

func (e *Engine) notifyParent(ctx context.Context, def Definition, tx *Transaction) {
	key := IdempotencyKey{
		WorkflowID:    tx.ParentWorkflowID,
		TransactionID: tx.ParentTxID,
		StepID:        tx.ParentStepID,
		Action:        ActionInvoke,
	}
	var err error
	switch tx.Status {
	case StatusCompleted:
		_, err = e.SetStepSuccess(ctx, key, e.lastOutput(def, tx))
	case StatusFailed, StatusReverted:
		_, err = e.SetStepFailure(ctx, key, nil,
			fmt.Errorf("sub-workflow '%s' (transaction '%s') ended %s", tx.WorkflowID, tx.ID, tx.Status))
	default:
		return
	}
	if err != nil {
		e.logger.Warn("parent signal failed",
			zap.String("transaction_id", tx.ID),
			zap.String("parent_tx_id", tx.ParentTxID),
			zap.Error(err))
	}
}

// Watchdog periodically fails suspended steps past their deadline and prunes
// terminal transactions past their retention. It blocks until ctx ends.
func (e *Engine) Watchdog(ctx context.Context) {
	ticker := time.NewTicker(e.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep performs one watchdog pass.
func (e *Engine) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	suspended, err := e.store.ListSuspended(ctx)
	if err != nil {
		e.logger.Warn("watchdog list suspended", zap.Error(err))
	}
	for _, tx := range suspended {
		st := tx.SuspendedStep()
		if st == nil || st.Deadline == nil || now.Before(*st.Deadline) {
			continue
		}
		key := IdempotencyKey{
			WorkflowID:    tx.WorkflowID,
			TransactionID: tx.ID,
			StepID:        st.StepID,
			Action:        ActionInvoke,
		}
		def, derr := e.registry.Get(tx.WorkflowID)
		if derr != nil {
			continue
		}
		stepDef := stepByID(def, st.StepID)
		timeoutErr := NewStepTimeoutError(tx.ID, st.StepID, stepDef.Timeout)
		e.each(func(ev *Events) {
			if ev.OnStepTimeout != nil {
				ev.OnStepTimeout(tx.ID, st.StepID, stepDef.Timeout)
			}
		})
		if _, serr := e.SetStepFailure(ctx, key, nil, timeoutErr); serr != nil {
			// A racing signal beat us to the transition.
			if !errors.Is(serr, ErrStepNotSuspended) && !errors.Is(serr, ErrStepTimeout) {
				e.logger.Warn("watchdog expiry failed", zap.String("transaction_id", tx.ID), zap.Error(serr))
			}
		}
	}

	for _, id := range e.registry.List() {
		def, derr := e.registry.Get(id)
		if derr != nil || !def.Store {
			continue
		}
		retention := def.Retention
		if retention <= 0 {
			retention = e.retention
		}
		if n, perr := e.store.DeleteTerminalBefore(ctx, id, now.Add(-retention)); perr != nil {
			e.logger.Warn("retention prune failed", zap.String("workflow_id", id), zap.Error(perr))
		} else if n > 0 {
			e.logger.Info("pruned terminal transactions", zap.String("workflow_id", id), zap.Int("count", n))
		}
	}
}

func (e *Engine) stepContext(tx *Transaction, stepID string, attempt int) StepContext {
	return StepContext{
		TransactionID: tx.ID,
		WorkflowID:    tx.WorkflowID,
		StepID:        stepID,
		Attempt:       attempt,
		Logger: e.logger.With(
			zap.String("transaction_id", tx.ID),
			zap.String("workflow_id", tx.WorkflowID),
			zap.String("step_id", stepID)),
	}
}

// stepInput computes a step's input. Without an explicit mapper the first
// step receives the workflow input and every later step the previous step's
// output.
func (e *Engine) stepInput(def Definition, tx *Transaction, i int) (json.RawMessage, error) {
	step := def.Steps[i]
	ins := StepInputs{WorkflowInput: tx.Input, outputs: tx.outputs()}
	if step.Input != nil {
		return step.Input(ins)
	}
	if i == 0 {
		return tx.Input, nil
	}
	return ins.Output(def.Steps[i-1].ID), nil
}

func (e *Engine) resultFor(def Definition, tx *Transaction) RunResult {
	res := RunResult{TransactionID: tx.ID, Status: tx.Status}
	if tx.Status == StatusCompleted {
		res.Result = e.lastOutput(def, tx)
	}
	for _, msg := range tx.Errors {
		res.Errs = append(res.Errs, errors.New(msg))
	}
	return res
}

func (e *Engine) lastOutput(def Definition, tx *Transaction) json.RawMessage {
	if len(def.Steps) == 0 {
		return nil
	}
	st := tx.Step(def.Steps[len(def.Steps)-1].ID)
	if st == nil {
		return nil
	}
	return st.Output
}

func (e *Engine) appendLog(ctx context.Context, txID, msg string) {
	if err := e.store.AppendLog(ctx, txID, msg); err != nil {
		e.logger.Debug("append run log", zap.String("transaction_id", txID), zap.Error(err))
	}
}

func stepByID(def Definition, stepID string) StepDefinition {
	for _, s := range def.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return StepDefinition{}
}
