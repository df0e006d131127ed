package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/link"
	"github.com/craftline/conductor/internal/workflow"
)

const (
	StepCreateTask         = "create-task"
	StepLinkTaskToOrder    = "link-task-to-order"
	StepNotifyPartner      = "notify-partner-inventory-order"
	StepComputeConsumption = "compute-consumption"
	StepUpdateOrderStatus  = "update-order-status"
)

// PartnerStartGates are the gates a partner "order started" event may resume.
var PartnerStartGates = []GateKey{
	{WorkflowID: WorkflowSendInventoryOrder, StepID: StepNotifyPartner},
	{WorkflowID: WorkflowDispatchProductionRun, StepID: StepAwaitProductionStart},
}

// PartnerCompleteGates are the gates a partner "order completed" event may
// resume.
var PartnerCompleteGates = []GateKey{
	{WorkflowID: WorkflowSendInventoryOrder, StepID: StepNotifyPartner},
	{WorkflowID: WorkflowDispatchProductionRun, StepID: StepAwaitProductionCompletion},
}

const sendOrderSchema = `{
  "type": "object",
  "required": ["order_id", "partner_id"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "partner_id": {"type": "string", "minLength": 1}
  }
}`

type sendOrderInput struct {
	OrderID   string `json:"order_id"`
	PartnerID string `json:"partner_id"`
}

type partnerOrderResponse struct {
	Lines []struct {
		SKU      string  `json:"sku"`
		Quantity float64 `json:"quantity"`
	} `json:"lines"`
}

// SendInventoryOrderToPartner drives an inventory order through a partner
// hand-off: a tracking task is created and linked to the order, the partner
// is notified and the workflow suspends until the partner acts, then the
// reported consumption is computed and the order closed out.
func SendInventoryOrderToPartner(deps Deps) workflow.Definition {
	return workflow.Definition{
		ID:          WorkflowSendInventoryOrder,
		InputSchema: sendOrderSchema,
		Store:       true,
		Retention:   90 * 24 * time.Hour,
		Steps: []workflow.StepDefinition{
			createTaskStep(deps, StepCreateTask, "partner-inventory-order", func(input json.RawMessage) (map[string]any, error) {
				var in sendOrderInput
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, err
				}
				return map[string]any{"order_id": in.OrderID, "partner_id": in.PartnerID}, nil
			}),

			linkTaskStep(deps, StepLinkTaskToOrder, StepCreateTask, EntityInventoryOrder, "order_id"),

			{
				ID:      StepNotifyPartner,
				Async:   true,
				Timeout: 14 * 24 * time.Hour,
				Retry:   &workflow.RetryPolicy{AutoRetry: true, MaxRetries: 2, Interval: time.Second},
				Input: func(ins workflow.StepInputs) (json.RawMessage, error) {
					return ins.Output(StepCreateTask), nil
				},
				Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
					var setup struct {
						TaskID    string `json:"task_id"`
						PartnerID string `json:"partner_id"`
					}
					if err := json.Unmarshal(input, &setup); err != nil {
						return workflow.StepResult{}, err
					}
					if err := setTaskStatus(ctx, deps, setup.TaskID, "sent-to-partner"); err != nil {
						return workflow.StepResult{}, err
					}
					sc.Logger.Info("partner notified, awaiting action",
						zap.String("partner_id", setup.PartnerID), zap.String("task_id", setup.TaskID))
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
			},

			{
				ID: StepComputeConsumption,
				Input: func(ins workflow.StepInputs) (json.RawMessage, error) {
					var in sendOrderInput
					if err := json.Unmarshal(ins.WorkflowInput, &in); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]any{
						"order_id": in.OrderID,
						"response": ins.Output(StepNotifyPartner),
					})
				},
				Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
					var in struct {
						OrderID  string          `json:"order_id"`
						Response json.RawMessage `json:"response"`
					}
					if err := json.Unmarshal(input, &in); err != nil {
						return workflow.StepResult{}, err
					}
					var resp partnerOrderResponse
					if len(in.Response) > 0 {
						if err := json.Unmarshal(in.Response, &resp); err != nil {
							return workflow.StepResult{}, fmt.Errorf("partner response: %w", err)
						}
					}
					total := 0.0
					for _, line := range resp.Lines {
						total += line.Quantity
					}
					output, err := json.Marshal(map[string]any{
						"order_id":       in.OrderID,
						"total_quantity": total,
						"line_count":     len(resp.Lines),
					})
					if err != nil {
						return workflow.StepResult{}, err
					}
					return workflow.StepResult{Output: output}, nil
				},
			},

			updateStatusStep(deps, StepUpdateOrderStatus, EntityInventoryOrder, "completed", func(input json.RawMessage) (string, error) {
				var in struct {
					OrderID string `json:"order_id"`
				}
				if err := json.Unmarshal(input, &in); err != nil {
					return "", err
				}
				return in.OrderID, nil
			}),
		},
	}
}

// linkTaskStep links the task created by taskStep to the entity whose id is
// found under idField in that step's output.
func linkTaskStep(deps Deps, stepID, taskStep, entityType, idField string) workflow.StepDefinition {
	def := deps.Links.CreateStep(stepID, func(sc workflow.StepContext, input json.RawMessage) ([]link.Pair, error) {
		var fields map[string]any
		if err := json.Unmarshal(input, &fields); err != nil {
			return nil, err
		}
		taskID, _ := fields["task_id"].(string)
		otherID, _ := fields[idField].(string)
		if taskID == "" || otherID == "" {
			return nil, fmt.Errorf("task_id and %s are required to link", idField)
		}
		return []link.Pair{{
			Left:  entity.Ref{Type: EntityTask, ID: taskID},
			Right: entity.Ref{Type: entityType, ID: otherID},
		}}, nil
	})
	def.Input = func(ins workflow.StepInputs) (json.RawMessage, error) {
		return ins.Output(taskStep), nil
	}
	return def
}
