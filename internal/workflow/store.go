package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the interface for transaction persistence. The transaction record
// is the single source of truth for a run; implementations must make
// Create/Update visible to subsequent Get calls immediately.
type Store interface {
	// IsProductionSafe reports whether this store survives process restarts.
	IsProductionSafe() bool

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	DeleteTransaction(ctx context.Context, txID string) error

	// ListSuspended returns transactions currently suspended, for the
	// timeout watchdog.
	ListSuspended(ctx context.Context) ([]*Transaction, error)

	// DeleteTerminalBefore prunes terminal transactions of one workflow
	// last updated before the cutoff. Returns the number removed.
	DeleteTerminalBefore(ctx context.Context, workflowID string, cutoff time.Time) (int, error)

	// Query retrieves transactions matching the filter, newest first.
	Query(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)

	AppendLog(ctx context.Context, txID, msg string) error
	ListLogs(ctx context.Context, txID string) ([]string, error)
}

// MemoryStore implements Store with in-memory maps. Not production safe;
// intended for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	txs  map[string]*Transaction
	logs map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:  map[string]*Transaction{},
		logs: map[string][]string{},
	}
}

func (s *MemoryStore) IsProductionSafe() bool { return false }

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := tx.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.txs[cp.ID] = cp
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, NewTransactionNotFoundError(txID, "")
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; !ok {
		return NewTransactionNotFoundError(tx.ID, tx.WorkflowID)
	}
	cp := tx.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.txs[cp.ID] = cp
	return nil
}

func (s *MemoryStore) DeleteTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs, txID)
	delete(s.logs, txID)
	return nil
}

func (s *MemoryStore) ListSuspended(ctx context.Context) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Status == StatusSuspended {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, workflowID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tx := range s.txs {
		if tx.WorkflowID == workflowID && tx.Status.Terminal() && tx.UpdatedAt.Before(cutoff) {
			delete(s.txs, id)
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Query(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	s.mu.RLock()
	var out []*Transaction
	for _, tx := range s.txs {
		if filter.WorkflowID != "" && tx.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Status) > 0 && !containsStatus(filter.Status, tx.Status) {
			continue
		}
		out = append(out, tx.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, txID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[txID] = append(s.logs[txID], msg)
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, txID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.logs[txID]...), nil
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
