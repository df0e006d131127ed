// Package flows holds the e-commerce workflow definitions driven by the
// engine: sending inventory orders to partners, dispatching production runs,
// and completing designs.
package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/link"
	"github.com/craftline/conductor/internal/workflow"
)

const (
	WorkflowSendInventoryOrder    = "send-inventory-order-to-partner"
	WorkflowDispatchProductionRun = "dispatch-production-run"
	WorkflowCompleteDesign        = "complete-design"

	EntityTask           = "task"
	EntityInventoryOrder = "inventory_order"
	EntityProductionRun  = "production_run"
	EntityDesign         = "design"
)

// Deps are the collaborators step bodies close over. Steps receive them
// explicitly instead of resolving services from a registry by name.
type Deps struct {
	Entities entity.Repository
	Links    *link.Service
	Logger   *zap.Logger
}

func Module() fx.Option {
	return fx.Invoke(func(reg *workflow.Registry, entities entity.Repository, links *link.Service, logger *zap.Logger) error {
		return Register(reg, Deps{Entities: entities, Links: links, Logger: logger})
	})
}

// Register adds all business workflows to the registry.
func Register(reg *workflow.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	for _, def := range []workflow.Definition{
		SendInventoryOrderToPartner(deps),
		DispatchProductionRun(deps),
		CompleteDesign(deps),
	} {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// GateKey names one suspendable gate of a workflow.
type GateKey struct {
	WorkflowID string
	StepID     string
}

// ProbeGates speculatively signals each gate on the transaction until one
// accepts. Gates belonging to other workflows than the transaction's are
// skipped; only StepNotSuspended is swallowed per probed gate, any other
// error aborts the scan. ok is false when no gate was suspended.
func ProbeGates(ctx context.Context, eng *workflow.Engine, gates []GateKey, txID string, payload json.RawMessage) (workflow.RunResult, GateKey, bool, error) {
	tx, err := eng.Store().GetTransaction(ctx, txID)
	if err != nil {
		return workflow.RunResult{}, GateKey{}, false, err
	}
	for _, gate := range gates {
		if gate.WorkflowID != tx.WorkflowID {
			continue
		}
		key := workflow.IdempotencyKey{
			WorkflowID:    gate.WorkflowID,
			TransactionID: txID,
			StepID:        gate.StepID,
			Action:        workflow.ActionInvoke,
		}
		res, ok, err := eng.ProbeStepSuccess(ctx, key, payload)
		if err != nil {
			return workflow.RunResult{}, gate, false, err
		}
		if ok {
			return res, gate, true, nil
		}
	}
	return workflow.RunResult{}, GateKey{}, false, nil
}

// createTaskStep builds the common "create a task carrying the transaction
// id" step: forward action stores the task with transaction_id metadata, the
// compensation soft-deletes it.
func createTaskStep(deps Deps, stepID, kind string, attrs func(input json.RawMessage) (map[string]any, error)) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID: stepID,
		Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
			extra, err := attrs(input)
			if err != nil {
				return workflow.StepResult{}, err
			}
			task := entity.New(EntityTask)
			task.Attributes["kind"] = kind
			task.Attributes["status"] = "open"
			for k, v := range extra {
				task.Attributes[k] = v
			}
			task.SetTransactionID(sc.TransactionID)
			if err := deps.Entities.Create(ctx, task); err != nil {
				return workflow.StepResult{}, err
			}
			sc.Logger.Info("task created", zap.String("task_id", task.ID), zap.String("kind", kind))

			out := map[string]any{"task_id": task.ID}
			for k, v := range extra {
				out[k] = v
			}
			output, err := json.Marshal(out)
			if err != nil {
				return workflow.StepResult{}, err
			}
			comp, err := json.Marshal(map[string]string{"task_id": task.ID})
			if err != nil {
				return workflow.StepResult{}, err
			}
			return workflow.StepResult{Output: output, CompensationData: comp}, nil
		},
		Compensate: func(ctx context.Context, sc workflow.StepContext, data json.RawMessage) error {
			var comp struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(data, &comp); err != nil {
				return err
			}
			err := deps.Entities.SoftDelete(ctx, entity.Ref{Type: EntityTask, ID: comp.TaskID})
			if err == entity.ErrNotFound {
				return nil
			}
			return err
		},
	}
}

// setTaskStatus updates a task's status attribute, tolerating a missing task.
func setTaskStatus(ctx context.Context, deps Deps, taskID, status string) error {
	task, err := deps.Entities.Get(ctx, entity.Ref{Type: EntityTask, ID: taskID})
	if err != nil {
		if err == entity.ErrNotFound {
			return nil
		}
		return err
	}
	task.Attributes["status"] = status
	return deps.Entities.Update(ctx, task)
}

// updateStatusStep builds a step that sets the status attribute of a domain
// entity, creating the record when it does not exist yet. The compensation
// restores the previous status, or removes the record it created.
func updateStatusStep(deps Deps, stepID, entityType, status string, refID func(input json.RawMessage) (string, error)) workflow.StepDefinition {
	type comp struct {
		ID             string `json:"id"`
		Created        bool   `json:"created"`
		PreviousStatus string `json:"previous_status,omitempty"`
	}
	return workflow.StepDefinition{
		ID: stepID,
		Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
			id, err := refID(input)
			if err != nil {
				return workflow.StepResult{}, err
			}
			if id == "" {
				return workflow.StepResult{}, fmt.Errorf("%s id is required", entityType)
			}
			ref := entity.Ref{Type: entityType, ID: id}
			c := comp{ID: id}
			e, err := deps.Entities.Get(ctx, ref)
			switch {
			case err == entity.ErrNotFound:
				e = entity.New(entityType)
				e.Ref = ref
				e.Attributes["status"] = status
				if err := deps.Entities.Create(ctx, e); err != nil {
					return workflow.StepResult{}, err
				}
				c.Created = true
			case err != nil:
				return workflow.StepResult{}, err
			default:
				c.PreviousStatus, _ = e.Attributes["status"].(string)
				e.Attributes["status"] = status
				if err := deps.Entities.Update(ctx, e); err != nil {
					return workflow.StepResult{}, err
				}
			}
			sc.Logger.Info("entity status updated",
				zap.String("entity", ref.String()), zap.String("status", status))

			output, err := json.Marshal(map[string]string{"id": id, "status": status})
			if err != nil {
				return workflow.StepResult{}, err
			}
			compData, err := json.Marshal(c)
			if err != nil {
				return workflow.StepResult{}, err
			}
			return workflow.StepResult{Output: output, CompensationData: compData}, nil
		},
		Compensate: func(ctx context.Context, sc workflow.StepContext, data json.RawMessage) error {
			var c comp
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			ref := entity.Ref{Type: entityType, ID: c.ID}
			if c.Created {
				err := deps.Entities.SoftDelete(ctx, ref)
				if err == entity.ErrNotFound {
					return nil
				}
				return err
			}
			e, err := deps.Entities.Get(ctx, ref)
			if err != nil {
				if err == entity.ErrNotFound {
					return nil
				}
				return err
			}
			e.Attributes["status"] = c.PreviousStatus
			return deps.Entities.Update(ctx, e)
		},
	}
}
