package entity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
)

// Repository is the CRUD + soft-delete contract steps depend on. Get does
// not return soft-deleted entities.
type Repository interface {
	Create(ctx context.Context, e *Entity) error
	Get(ctx context.Context, ref Ref) (*Entity, error)
	Update(ctx context.Context, e *Entity) error
	SoftDelete(ctx context.Context, ref Ref) error
	ListByType(ctx context.Context, typ string) ([]*Entity, error)
}

// Module provides the in-memory repository. Deployments with a real domain
// database swap this provider out.
func Module() fx.Option {
	return fx.Provide(func() Repository { return NewMemoryRepository() })
}

// MemoryRepository implements Repository with an in-memory map.
type MemoryRepository struct {
	mu       sync.RWMutex
	entities map[Ref]*Entity
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entities: map[Ref]*Entity{}}
}

func (r *MemoryRepository) Create(ctx context.Context, e *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	cp := e.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.entities[cp.Ref] = cp
	e.CreatedAt = cp.CreatedAt
	e.UpdatedAt = cp.UpdatedAt
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, ref Ref) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[ref]
	if !ok || e.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, e *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entities[e.Ref]
	if !ok || existing.DeletedAt != nil {
		return ErrNotFound
	}
	cp := e.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	r.entities[cp.Ref] = cp
	return nil
}

func (r *MemoryRepository) SoftDelete(ctx context.Context, ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[ref]
	if !ok || e.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	e.DeletedAt = &now
	e.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) ListByType(ctx context.Context, typ string) ([]*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entity
	for _, e := range r.entities {
		if e.Type == typ && e.DeletedAt == nil {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)
