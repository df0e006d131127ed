package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore implements Store on PostgreSQL. The transaction record is stored as
// a jsonb payload next to the columns used for filtering, so the schema stays
// stable as the transaction shape evolves.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &PGStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool so the advisory lock can share it.
func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists conductor_transactions (
  id text primary key,
  workflow_id text not null,
  status text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists conductor_transactions_workflow_idx on conductor_transactions (workflow_id, status);
create table if not exists conductor_transaction_logs (
  id bigserial primary key,
  transaction_id text not null,
  message text not null,
  created_at timestamptz not null
);
create index if not exists conductor_transaction_logs_tx_idx on conductor_transaction_logs (transaction_id);
`)
	return err
}

func (s *PGStore) IsProductionSafe() bool { return true }

func (s *PGStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `insert into conductor_transactions (id, workflow_id, status, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6)
on conflict (id) do update set payload = excluded.payload, status = excluded.status, updated_at = excluded.updated_at`,
		tx.ID, tx.WorkflowID, tx.Status, b, tx.CreatedAt, tx.UpdatedAt)
	return err
}

func (s *PGStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload from conductor_transactions where id=$1`, txID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewTransactionNotFoundError(txID, "")
		}
		return nil, err
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", txID, err)
	}
	return &tx, nil
}

func (s *PGStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	tx.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `update conductor_transactions set status=$2, payload=$3, updated_at=$4 where id=$1`,
		tx.ID, tx.Status, b, tx.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewTransactionNotFoundError(tx.ID, tx.WorkflowID)
	}
	return nil
}

func (s *PGStore) DeleteTransaction(ctx context.Context, txID string) error {
	if _, err := s.db.ExecContext(ctx, `delete from conductor_transactions where id=$1`, txID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `delete from conductor_transaction_logs where transaction_id=$1`, txID)
	return err
}

func (s *PGStore) ListSuspended(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `select payload from conductor_transactions where status=$1`, StatusSuspended)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PGStore) DeleteTerminalBefore(ctx context.Context, workflowID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from conductor_transactions
where workflow_id=$1 and status = any($2) and updated_at < $3`,
		workflowID, []string{string(StatusCompleted), string(StatusFailed), string(StatusReverted)}, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGStore) Query(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	q := `select payload from conductor_transactions where 1=1`
	var args []any
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		q += fmt.Sprintf(" and workflow_id=$%d", len(args))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		q += fmt.Sprintf(" and status = any($%d)", len(args))
	}
	q += " order by created_at desc"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" limit $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" offset $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PGStore) AppendLog(ctx context.Context, txID, msg string) error {
	_, err := s.db.ExecContext(ctx, `insert into conductor_transaction_logs (transaction_id, message, created_at) values ($1,$2,$3)`,
		txID, msg, time.Now().UTC())
	return err
}

func (s *PGStore) ListLogs(ctx context.Context, txID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select message from conductor_transaction_logs where transaction_id=$1 order by id asc`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("unmarshal transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
