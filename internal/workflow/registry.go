package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds workflow definitions keyed by their stable id.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*registeredDefinition
}

type registeredDefinition struct {
	def    Definition
	schema *jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*registeredDefinition{}}
}

// Register validates and stores a definition. Step ids must be unique within
// the workflow; every step needs either an Invoke or a SubWorkflow reference.
func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return NewValidationError("id", "workflow id is required")
	}
	if len(def.Steps) == 0 {
		return NewValidationError("steps", fmt.Sprintf("workflow '%s' has no steps", def.ID))
	}
	seen := map[string]bool{}
	for _, step := range def.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return NewValidationError("steps", fmt.Sprintf("workflow '%s' has a step with no id", def.ID))
		}
		if seen[step.ID] {
			return NewValidationError("steps", fmt.Sprintf("workflow '%s' declares step '%s' twice", def.ID, step.ID))
		}
		seen[step.ID] = true
		if step.Invoke == nil && step.SubWorkflow == "" {
			return NewValidationError("steps", fmt.Sprintf("step '%s' of workflow '%s' has neither invoke nor sub-workflow", step.ID, def.ID))
		}
		if step.Invoke != nil && step.SubWorkflow != "" {
			return NewValidationError("steps", fmt.Sprintf("step '%s' of workflow '%s' declares both invoke and sub-workflow", step.ID, def.ID))
		}
		if step.Async && step.SubWorkflow != "" {
			return NewValidationError("steps", fmt.Sprintf("step '%s' of workflow '%s': sub-workflow steps suspend implicitly, drop the async flag", step.ID, def.ID))
		}
	}

	reg := &registeredDefinition{def: def}
	if def.InputSchema != "" {
		schema, err := jsonschema.CompileString(def.ID+".schema.json", def.InputSchema)
		if err != nil {
			return NewValidationError("input_schema", fmt.Sprintf("workflow '%s': %v", def.ID, err))
		}
		reg.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return NewValidationError("id", fmt.Sprintf("workflow '%s' is already registered", def.ID))
	}
	r.defs[def.ID] = reg
	return nil
}

// MustRegister panics on registration failure; intended for process startup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a registered definition.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.defs[id]
	if !ok {
		return Definition{}, NewWorkflowNotFoundError(id)
	}
	return reg.def, nil
}

// List returns the registered workflow ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	return out
}

// ValidateInput checks a run payload against the workflow's input schema, if
// one was registered.
func (r *Registry) ValidateInput(id string, input json.RawMessage) error {
	r.mu.RLock()
	reg, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok {
		return NewWorkflowNotFoundError(id)
	}
	if reg.schema == nil {
		return nil
	}
	if len(input) == 0 {
		return NewValidationError("input", fmt.Sprintf("workflow '%s' requires an input payload", id))
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return NewValidationError("input", fmt.Sprintf("input is not valid JSON: %v", err))
	}
	if err := reg.schema.Validate(v); err != nil {
		return NewValidationError("input", fmt.Sprintf("input rejected by schema for workflow '%s': %v", id, err))
	}
	return nil
}
