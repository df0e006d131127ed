package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/workflow"
)

// DefaultFetchDepth bounds graph traversal when the caller does not.
const DefaultFetchDepth = 3

// Service creates and dismisses links and walks the association graph.
type Service struct {
	store    Store
	entities entity.Repository
	logger   *zap.Logger
}

func NewService(store Store, entities entity.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, entities: entities, logger: logger}
}

// Create stores one record per pair and returns them.
func (s *Service) Create(ctx context.Context, pairs []Pair) ([]Record, error) {
	now := time.Now().UTC()
	records := make([]Record, 0, len(pairs))
	for _, p := range pairs {
		if p.Left.Type == "" || p.Left.ID == "" || p.Right.Type == "" || p.Right.ID == "" {
			return nil, fmt.Errorf("link pair %v is incomplete", p)
		}
		records = append(records, Record{
			ID:        uuid.NewString(),
			LeftType:  p.Left.Type,
			LeftID:    p.Left.ID,
			RightType: p.Right.Type,
			RightID:   p.Right.ID,
			CreatedAt: now,
		})
	}
	if err := s.store.Create(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Dismiss soft-deletes the given records.
func (s *Service) Dismiss(ctx context.Context, records []Record) error {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return s.DismissByID(ctx, ids)
}

func (s *Service) DismissByID(ctx context.Context, ids []string) error {
	return s.store.Dismiss(ctx, ids)
}

// ListFor returns the active links touching an entity.
func (s *Service) ListFor(ctx context.Context, ref entity.Ref) ([]Record, error) {
	return s.store.ListFor(ctx, ref)
}

// Fetch loads the entity and its linked entities as a typed tree, traversal
// bounded by maxDepth. relations restricts which linked entity types are
// descended into; empty means all.
func (s *Service) Fetch(ctx context.Context, ref entity.Ref, relations []string, maxDepth int) (*Node, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultFetchDepth
	}
	allow := map[string]bool{}
	for _, r := range relations {
		allow[r] = true
	}
	visited := map[entity.Ref]bool{}
	return s.fetchNode(ctx, ref, allow, visited, maxDepth)
}

func (s *Service) fetchNode(ctx context.Context, ref entity.Ref, allow map[string]bool, visited map[entity.Ref]bool, depth int) (*Node, error) {
	e, err := s.entities.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	visited[ref] = true
	node := &Node{Entity: e}
	if depth <= 1 {
		return node, nil
	}

	records, err := s.store.ListFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		other, ok := r.Other(ref)
		if !ok || visited[other] {
			continue
		}
		if len(allow) > 0 && !allow[other.Type] {
			continue
		}
		child, err := s.fetchNode(ctx, other, allow, visited, depth-1)
		if err != nil {
			if err == entity.ErrNotFound {
				continue
			}
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// FindTransactionID walks the entity graph rooted at ref looking for an
// entity whose metadata carries a transaction id. Absence is
// ErrNotAssignedToWorkflow; a missing root entity surfaces as
// entity.ErrNotFound.
func (s *Service) FindTransactionID(ctx context.Context, ref entity.Ref, maxDepth int) (string, error) {
	node, err := s.Fetch(ctx, ref, nil, maxDepth)
	if err != nil {
		return "", err
	}
	if txID := findTxID(node); txID != "" {
		return txID, nil
	}
	return "", ErrNotAssignedToWorkflow
}

func findTxID(node *Node) string {
	if node == nil {
		return ""
	}
	if txID := node.Entity.TransactionID(); txID != "" {
		return txID
	}
	for _, child := range node.Children {
		if txID := findTxID(child); txID != "" {
			return txID
		}
	}
	return ""
}

// PairsFunc derives the pairs to link from the step's input.
type PairsFunc func(sc workflow.StepContext, input json.RawMessage) ([]Pair, error)

// CreateStep builds a compensatable link-creation step: the forward action
// creates the links and records their ids as compensation data; the
// compensation dismisses exactly those links.
func (s *Service) CreateStep(stepID string, pairs PairsFunc) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID: stepID,
		Invoke: func(ctx context.Context, sc workflow.StepContext, input json.RawMessage) (workflow.StepResult, error) {
			ps, err := pairs(sc, input)
			if err != nil {
				return workflow.StepResult{}, err
			}
			records, err := s.Create(ctx, ps)
			if err != nil {
				return workflow.StepResult{}, err
			}
			ids := make([]string, 0, len(records))
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			out, err := json.Marshal(records)
			if err != nil {
				return workflow.StepResult{}, err
			}
			comp, err := json.Marshal(ids)
			if err != nil {
				return workflow.StepResult{}, err
			}
			return workflow.StepResult{Output: out, CompensationData: comp}, nil
		},
		Compensate: func(ctx context.Context, sc workflow.StepContext, data json.RawMessage) error {
			var ids []string
			if err := json.Unmarshal(data, &ids); err != nil {
				return err
			}
			return s.DismissByID(ctx, ids)
		},
	}
}
