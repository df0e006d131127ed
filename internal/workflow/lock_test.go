package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockSerializesHolders(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	token, err := l.Acquire(ctx, "tx1")
	require.NoError(t, err)

	// Second acquire blocks until the first release.
	acquired := make(chan struct{})
	go func() {
		t2, err := l.Acquire(ctx, "tx1")
		assert.NoError(t, err)
		defer l.Release(ctx, "tx1", t2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, l.Release(ctx, "tx1", token))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestMemoryLockIndependentTransactions(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	t1, err := l.Acquire(ctx, "tx1")
	require.NoError(t, err)
	t2, err := l.Acquire(ctx, "tx2")
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "tx1", t1))
	require.NoError(t, l.Release(ctx, "tx2", t2))
}

func TestMemoryLockAcquireHonorsContext(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	token, err := l.Acquire(ctx, "tx1")
	require.NoError(t, err)
	defer l.Release(ctx, "tx1", token)

	timed, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(timed, "tx1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockKeyIsStable(t *testing.T) {
	assert.Equal(t, lockKey("tx1"), lockKey("tx1"))
	assert.NotEqual(t, lockKey("tx1"), lockKey("tx2"))
}
