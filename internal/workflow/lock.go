package workflow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Lock serializes state transitions on a single transaction. Acquire blocks
// until the lock is available or the context is cancelled; this is what turns
// two concurrent signals on one suspended step into a winner and a loser that
// observes STEP_NOT_SUSPENDED instead of a silent double-apply.
type Lock interface {
	Acquire(ctx context.Context, txID string) (token string, err error)
	Release(ctx context.Context, txID, token string) error
}

// MemoryLock implements Lock with per-transaction channels, for use with
// MemoryStore.
type MemoryLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{slots: map[string]chan struct{}{}}
}

func (l *MemoryLock) Acquire(ctx context.Context, txID string) (string, error) {
	l.mu.Lock()
	slot, ok := l.slots[txID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[txID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return uuid.NewString(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *MemoryLock) Release(ctx context.Context, txID, token string) error {
	l.mu.Lock()
	slot, ok := l.slots[txID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-slot:
	default:
	}
	return nil
}

var _ Lock = (*MemoryLock)(nil)

// PostgresLock implements Lock with PostgreSQL advisory locks. Each Acquire
// pins a pooled connection for the duration of the hold, since advisory locks
// are session scoped.
type PostgresLock struct {
	db *sql.DB

	mu   sync.Mutex
	held map[string]*sql.Conn
}

func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db, held: map[string]*sql.Conn{}}
}

// lockKey converts a transaction id to a 64-bit advisory lock key.
func lockKey(txID string) int64 {
	hash := sha256.Sum256([]byte(txID))
	return int64(binary.BigEndian.Uint64(hash[:8]))
}

func (l *PostgresLock) Acquire(ctx context.Context, txID string) (string, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey(txID)); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("advisory lock: %w", err)
	}
	token := uuid.NewString()
	l.mu.Lock()
	l.held[token] = conn
	l.mu.Unlock()
	return token, nil
}

func (l *PostgresLock) Release(ctx context.Context, txID, token string) error {
	l.mu.Lock()
	conn, ok := l.held[token]
	delete(l.held, token)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey(txID))
	closeErr := conn.Close()
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return closeErr
}

var _ Lock = (*PostgresLock)(nil)
