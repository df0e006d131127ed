package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"

	"github.com/craftline/conductor/internal/workflow"
)

// Recorder translates engine events into OTel meter instruments.
type Recorder struct {
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter
	runsReverted  metric.Int64Counter
	suspensions   metric.Int64Counter
	resumes       metric.Int64Counter
	timeouts      metric.Int64Counter
	compensations metric.Int64Counter
	stepDuration  metric.Float64Histogram
}

func Module() fx.Option {
	return fx.Provide(NewRecorder)
}

func NewRecorder() (*Recorder, error) {
	meter := otel.Meter("conductor/engine")
	r := &Recorder{}
	var err error
	if r.runsStarted, err = meter.Int64Counter("conductor.runs.started"); err != nil {
		return nil, err
	}
	if r.runsCompleted, err = meter.Int64Counter("conductor.runs.completed"); err != nil {
		return nil, err
	}
	if r.runsFailed, err = meter.Int64Counter("conductor.runs.failed"); err != nil {
		return nil, err
	}
	if r.runsReverted, err = meter.Int64Counter("conductor.runs.reverted"); err != nil {
		return nil, err
	}
	if r.suspensions, err = meter.Int64Counter("conductor.steps.suspended"); err != nil {
		return nil, err
	}
	if r.resumes, err = meter.Int64Counter("conductor.steps.resumed"); err != nil {
		return nil, err
	}
	if r.timeouts, err = meter.Int64Counter("conductor.steps.timed_out"); err != nil {
		return nil, err
	}
	if r.compensations, err = meter.Int64Counter("conductor.steps.compensated"); err != nil {
		return nil, err
	}
	if r.stepDuration, err = meter.Float64Histogram("conductor.step.duration",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return r, nil
}

// Events returns hooks that feed the instruments.
func (r *Recorder) Events() *workflow.Events {
	ctx := context.Background()
	return &workflow.Events{
		OnRunStart: func(txID, workflowID string) {
			r.runsStarted.Add(ctx, 1, withWorkflow(workflowID))
		},
		OnRunCompleted: func(txID, workflowID string) {
			r.runsCompleted.Add(ctx, 1, withWorkflow(workflowID))
		},
		OnRunFailed: func(txID, workflowID string, err error) {
			r.runsFailed.Add(ctx, 1, withWorkflow(workflowID))
		},
		OnRunReverted: func(txID, workflowID string) {
			r.runsReverted.Add(ctx, 1, withWorkflow(workflowID))
		},
		OnStepSuspended: func(txID, stepID string) {
			r.suspensions.Add(ctx, 1, withStep(stepID))
		},
		OnStepResumed: func(txID, stepID string) {
			r.resumes.Add(ctx, 1, withStep(stepID))
		},
		OnStepTimeout: func(txID, stepID string, timeout time.Duration) {
			r.timeouts.Add(ctx, 1, withStep(stepID))
		},
		OnStepDone: func(txID, stepID string, duration time.Duration) {
			r.stepDuration.Record(ctx, float64(duration.Milliseconds()), withStep(stepID))
		},
		OnCompensationDone: func(txID, stepID string) {
			r.compensations.Add(ctx, 1, withStep(stepID))
		},
	}
}

func withWorkflow(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow.id", id))
}

func withStep(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("step.id", id))
}
