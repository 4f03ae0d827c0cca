package syncq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueLifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "phx")
	q, err := Open(dir)
	require.NoError(t, err)

	orders, err := q.Load()
	require.NoError(t, err)
	require.Empty(t, orders)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, q.Push(Order{IdempotencyKey: "a", CharacterID: "gun-park", Side: "BUY", Qty: 1, QueuedAt: now}))
	require.NoError(t, q.Push(Order{IdempotencyKey: "b", CharacterID: "gun-park", Side: "SELL", Qty: 1, QueuedAt: now}))
	require.NoError(t, q.Push(Order{IdempotencyKey: "a", CharacterID: "other", Side: "BUY", Qty: 9}))
	require.NoError(t, q.Push(Order{IdempotencyKey: "c", CharacterID: "zack-lee", Side: "BUY", Qty: 2, QueuedAt: now}))

	orders, err = q.Load()
	require.NoError(t, err)
	require.Len(t, orders, 3)
	require.Equal(t, "gun-park", orders[0].CharacterID, "duplicate push keeps the original")

	info, err := os.Stat(filepath.Join(dir, "queue.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, q.Drop("a", "c"))
	orders, err = q.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, []string{orders[0].IdempotencyKey})
	require.Len(t, orders, 1)

	require.NoError(t, q.Drop("b"))
	_, err = os.Stat(filepath.Join(dir, "queue.json"))
	require.True(t, os.IsNotExist(err), "empty queue removes its file")
}

func TestCorruptQueue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.json"), []byte("{not json"), 0o600))
	q, err := Open(dir)
	require.NoError(t, err)
	_, err = q.Load()
	require.Error(t, err)
}
