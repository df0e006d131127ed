package flows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/workflow"
)

const (
	StepCreateReviewTask      = "create-review-task"
	StepLinkTaskToDesign      = "link-task-to-design"
	StepAwaitInventoryReport  = "await-inventory-report"
	StepRecordInventoryReport = "record-inventory-report"
	StepAwaitCompletion       = "await-completion"
	StepFinalizeDesign        = "finalize-design"
)

// DesignGates are the suspendable gates of the design-completion workflow.
// Callers reacting to an external design event do not know which gate the
// transaction currently sits at, so they probe all of them; only the
// suspended one accepts.
var DesignGates = []GateKey{
	{WorkflowID: WorkflowCompleteDesign, StepID: StepAwaitInventoryReport},
	{WorkflowID: WorkflowCompleteDesign, StepID: StepAwaitCompletion},
}

const completeDesignSchema = `{
  "type": "object",
  "required": ["design_id"],
  "properties": {
    "design_id": {"type": "string", "minLength": 1}
  }
}`

// CompleteDesign drives a design through review to completion: a review task
// is created and linked, the workflow waits for the inventory report, records
// it on the design, waits for final sign-off, then marks the design complete.
func CompleteDesign(deps Deps) workflow.Definition {
	return workflow.Definition{
		ID:          WorkflowCompleteDesign,
		InputSchema: completeDesignSchema,
		Store:       true,
		Retention:   180 * 24 * time.Hour,
		Steps: []workflow.StepDefinition{
			createTaskStep(deps, StepCreateReviewTask, "design-review", func(input json.RawMessage) (map[string]any, error) {
				var in struct {
					DesignID string `json:"design_id"`
				}
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, err
				}
				return map[string]any{"design_id": in.DesignID}, nil
			}),

			linkTaskStep(deps, StepLinkTaskToDesign, StepCreateReviewTask, EntityDesign, "design_id"),

			awaitTaskGate(deps, StepAwaitInventoryReport, StepCreateReviewTask, "awaiting-inventory-report", 30*24*time.Hour),

			{
				ID: StepRecordInventoryReport,
				Input: func(ins workflow.StepInputs) (json.RawMessage, error) {
					var in struct {
						DesignID string `json:"design_id"`
					}
					if err := json.Unmarshal(ins.WorkflowInput, &in); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]any{
						"design_id": in.DesignID,
						"report":    ins.Output(StepAwaitInventoryReport),
					})
				},
				Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
					var in struct {
						DesignID string          `json:"design_id"`
						Report   json.RawMessage `json:"report"`
					}
					if err := json.Unmarshal(input, &in); err != nil {
						return workflow.StepResult{}, err
					}
					ref := entity.Ref{Type: EntityDesign, ID: in.DesignID}
					design, err := deps.Entities.Get(ctx, ref)
					created := false
					if err == entity.ErrNotFound {
						design = entity.New(EntityDesign)
						design.Ref = ref
						if err := deps.Entities.Create(ctx, design); err != nil {
							return workflow.StepResult{}, err
						}
						created = true
					} else if err != nil {
						return workflow.StepResult{}, err
					}
					previous, _ := design.Attributes["inventory_report"].(string)
					design.Attributes["inventory_report"] = string(in.Report)
					if err := deps.Entities.Update(ctx, design); err != nil {
						return workflow.StepResult{}, err
					}

					output, err := json.Marshal(map[string]string{"design_id": in.DesignID})
					if err != nil {
						return workflow.StepResult{}, err
					}
					comp, err := json.Marshal(map[string]any{
						"design_id": in.DesignID,
						"created":   created,
						"previous":  previous,
					})
					if err != nil {
						return workflow.StepResult{}, err
					}
					return workflow.StepResult{Output: output, CompensationData: comp}, nil
				},
				Compensate: func(ctx context.Context, sc workflow.StepContext, data json.RawMessage) error {
					var comp struct {
						DesignID string `json:"design_id"`
						Created  bool   `json:"created"`
						Previous string `json:"previous"`
					}
					if err := json.Unmarshal(data, &comp); err != nil {
						return err
					}
					ref := entity.Ref{Type: EntityDesign, ID: comp.DesignID}
					if comp.Created {
						err := deps.Entities.SoftDelete(ctx, ref)
						if err == entity.ErrNotFound {
							return nil
						}
						return err
					}
					design, err := deps.Entities.Get(ctx, ref)
					if err != nil {
						if err == entity.ErrNotFound {
							return nil
						}
						return err
					}
					if comp.Previous == "" {
						delete(design.Attributes, "inventory_report")
					} else {
						design.Attributes["inventory_report"] = comp.Previous
					}
					return deps.Entities.Update(ctx, design)
				},
			},

			awaitTaskGate(deps, StepAwaitCompletion, StepCreateReviewTask, "awaiting-completion", 30*24*time.Hour),

			designStatusStep(deps, StepFinalizeDesign, "completed"),
		},
	}
}

func designStatusStep(deps Deps, stepID, status string) workflow.StepDefinition {
	def := updateStatusStep(deps, stepID, EntityDesign, status, func(input json.RawMessage) (string, error) {
		var in struct {
			DesignID string `json:"design_id"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", err
		}
		return in.DesignID, nil
	})
	def.Input = func(ins workflow.StepInputs) (json.RawMessage, error) {
		return ins.WorkflowInput, nil
	}
	return def
}
