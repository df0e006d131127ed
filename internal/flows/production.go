package flows

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/workflow"
)

const (
	StepCreateProductionTask      = "create-production-task"
	StepLinkTaskToRun             = "link-task-to-run"
	StepAwaitProductionStart      = "await-production-start"
	StepMarkRunInProgress         = "mark-run-in-progress"
	StepAwaitProductionCompletion = "await-production-completion"
	StepFinalizeProductionRun     = "finalize-production-run"
)

const dispatchRunSchema = `{
  "type": "object",
  "required": ["run_id"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "partner_id": {"type": "string"}
  }
}`

// DispatchProductionRun hands a production run to a manufacturing partner.
// Two gates suspend the workflow: one until the partner starts the run, one
// until they report completion.
func DispatchProductionRun(deps Deps) workflow.Definition {
	return workflow.Definition{
		ID:          WorkflowDispatchProductionRun,
		InputSchema: dispatchRunSchema,
		Store:       true,
		Retention:   90 * 24 * time.Hour,
		Steps: []workflow.StepDefinition{
			createTaskStep(deps, StepCreateProductionTask, "production-run-dispatch", func(input json.RawMessage) (map[string]any, error) {
				var in struct {
					RunID     string `json:"run_id"`
					PartnerID string `json:"partner_id"`
				}
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, err
				}
				return map[string]any{"run_id": in.RunID, "partner_id": in.PartnerID}, nil
			}),

			linkTaskStep(deps, StepLinkTaskToRun, StepCreateProductionTask, EntityProductionRun, "run_id"),

			awaitTaskGate(deps, StepAwaitProductionStart, StepCreateProductionTask, "awaiting-start", 7*24*time.Hour),

			runStatusStep(deps, StepMarkRunInProgress, "in_progress"),

			awaitTaskGate(deps, StepAwaitProductionCompletion, StepCreateProductionTask, "awaiting-completion", 30*24*time.Hour),

			runStatusStep(deps, StepFinalizeProductionRun, "completed"),
		},
	}
}

// runStatusStep sets the production run's status. The gate outputs carry the
// partner payload, so the run id is taken from the workflow input instead.
func runStatusStep(deps Deps, stepID, status string) workflow.StepDefinition {
	def := updateStatusStep(deps, stepID, EntityProductionRun, status, func(input json.RawMessage) (string, error) {
		var in struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", err
		}
		return in.RunID, nil
	})
	def.Input = func(ins workflow.StepInputs) (json.RawMessage, error) {
		return ins.WorkflowInput, nil
	}
	return def
}

// awaitTaskGate builds an async gate: the setup marks the tracking task with
// the awaited state and the workflow suspends until an external signal. The
// compensation marks the task cancelled.
func awaitTaskGate(deps Deps, stepID, taskStep, awaiting string, timeout time.Duration) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID:      stepID,
		Async:   true,
		Timeout: timeout,
		Input: func(ins workflow.StepInputs) (json.RawMessage, error) {
			return ins.Output(taskStep), nil
		},
		Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
			var setup struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(input, &setup); err != nil {
				return workflow.StepResult{}, err
			}
			if err := setTaskStatus(ctx, deps, setup.TaskID, awaiting); err != nil {
				return workflow.StepResult{}, err
			}
			sc.Logger.Info("gate armed", zap.String("task_id", setup.TaskID), zap.String("awaiting", awaiting))
			comp, err := json.Marshal(map[string]string{"task_id": setup.TaskID})
			if err != nil {
				return workflow.StepResult{}, err
			}
			return workflow.StepResult{CompensationData: comp}, nil
		},
		Compensate: func(ctx context.Context, sc workflow.StepContext, data json.RawMessage) error {
			var comp struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(data, &comp); err != nil {
				return err
			}
			return setTaskStatus(ctx, deps, comp.TaskID, "cancelled")
		},
	}
}
