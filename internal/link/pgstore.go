package link

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/craftline/conductor/internal/entity"
)

// PGStore implements Store on PostgreSQL with one row per association.
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

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists conductor_links (
  id text primary key,
  left_type text not null,
  left_id text not null,
  right_type text not null,
  right_id text not null,
  created_at timestamptz not null,
  dismissed_at timestamptz
);
create index if not exists conductor_links_left_idx on conductor_links (left_type, left_id);
create index if not exists conductor_links_right_idx on conductor_links (right_type, right_id);
`)
	return err
}

func (s *PGStore) Create(ctx context.Context, records []Record) error {
	for _, r := range records {
		_, err := s.db.ExecContext(ctx, `insert into conductor_links (id, left_type, left_id, right_type, right_id, created_at)
values ($1,$2,$3,$4,$5,$6) on conflict (id) do nothing`,
			r.ID, r.LeftType, r.LeftID, r.RightType, r.RightID, r.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) Dismiss(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx, `update conductor_links set dismissed_at=$2 where id=$1 and dismissed_at is null`,
			id, time.Now().UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) ListFor(ctx context.Context, ref entity.Ref) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `select id, left_type, left_id, right_type, right_id, created_at, dismissed_at
from conductor_links
where dismissed_at is null and ((left_type=$1 and left_id=$2) or (right_type=$1 and right_id=$2))`,
		ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var dismissed sql.NullTime
		if err := rows.Scan(&r.ID, &r.LeftType, &r.LeftID, &r.RightType, &r.RightID, &r.CreatedAt, &dismissed); err != nil {
			return nil, err
		}
		if dismissed.Valid {
			t := dismissed.Time
			r.DismissedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
