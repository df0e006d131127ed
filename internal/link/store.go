package link

import (
	"context"
	"sync"
	"time"

	"github.com/craftline/conductor/internal/entity"
)

// Store persists link records. ListFor returns only active (not dismissed)
// links touching the given entity.
type Store interface {
	Create(ctx context.Context, records []Record) error
	Dismiss(ctx context.Context, ids []string) error
	ListFor(ctx context.Context, ref entity.Ref) ([]Record, error)
}

// MemoryStore implements Store in memory, for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Create(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func (s *MemoryStore) Dismiss(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok || r.DismissedAt != nil {
			continue
		}
		r.DismissedAt = &now
		s.records[id] = r
	}
	return nil
}

func (s *MemoryStore) ListFor(ctx context.Context, ref entity.Ref) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.DismissedAt != nil {
			continue
		}
		if _, ok := r.Other(ref); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
