package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsTypedID(t *testing.T) {
	e := New("order")
	assert.Equal(t, "order", e.Type)
	assert.Regexp(t, `^order-\d{8}T\d{6}-[0-9a-f]{8}$`, e.ID)
	assert.NotEqual(t, New("order").ID, e.ID)
}

func TestTransactionIDMetadata(t *testing.T) {
	e := New("order")
	assert.Empty(t, e.TransactionID())

	e.SetTransactionID("tx-1")
	assert.Equal(t, "tx-1", e.TransactionID())
	assert.Equal(t, "tx-1", e.Metadata[MetaTransactionID])
}

func TestCloneIsDeep(t *testing.T) {
	e := New("order")
	e.Attributes = map[string]any{"status": "open"}
	e.SetTransactionID("tx-1")

	cp := e.Clone()
	cp.Attributes["status"] = "closed"
	cp.Metadata[MetaTransactionID] = "tx-2"

	assert.Equal(t, "open", e.Attributes["status"])
	assert.Equal(t, "tx-1", e.TransactionID())
}

func TestRepositoryCRUD(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	e := New("order")
	e.Attributes = map[string]any{"status": "open"}
	require.NoError(t, repo.Create(ctx, e))
	assert.False(t, e.CreatedAt.IsZero())

	got, err := repo.Get(ctx, e.Ref)
	require.NoError(t, err)
	assert.Equal(t, "open", got.Attributes["status"])

	got.Attributes["status"] = "completed"
	require.NoError(t, repo.Update(ctx, got))

	again, err := repo.Get(ctx, e.Ref)
	require.NoError(t, err)
	assert.Equal(t, "completed", again.Attributes["status"])
	assert.Equal(t, e.CreatedAt, again.CreatedAt)
}

func TestRepositoryGetUnknown(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Get(context.Background(), Ref{Type: "order", ID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositoryUpdateUnknown(t *testing.T) {
	repo := NewMemoryRepository()
	err := repo.Update(context.Background(), New("order"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositorySoftDelete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	e := New("task")
	require.NoError(t, repo.Create(ctx, e))
	require.NoError(t, repo.SoftDelete(ctx, e.Ref))

	_, err := repo.Get(ctx, e.Ref)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.SoftDelete(ctx, e.Ref), ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, e), ErrNotFound)
}

func TestRepositoryListByType(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a := New("task")
	b := New("task")
	c := New("order")
	for _, e := range []*Entity{a, b, c} {
		require.NoError(t, repo.Create(ctx, e))
	}
	require.NoError(t, repo.SoftDelete(ctx, b.Ref))

	tasks, err := repo.ListByType(ctx, "task")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, a.ID, tasks[0].ID)
}

func TestRepositoryCloneIsolation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	e := New("order")
	e.Attributes = map[string]any{"status": "open"}
	require.NoError(t, repo.Create(ctx, e))

	got, err := repo.Get(ctx, e.Ref)
	require.NoError(t, err)
	got.Attributes["status"] = "mutated"

	clean, err := repo.Get(ctx, e.Ref)
	require.NoError(t, err)
	assert.Equal(t, "open", clean.Attributes["status"])
}
