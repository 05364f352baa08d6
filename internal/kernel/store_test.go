package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/store"
	"github.com/roach88/fmsync/internal/syncwire"
	"github.com/roach88/fmsync/internal/testutil"
)

var _ Checkpointer = (*store.Store)(nil)

func TestSQLiteCheckpoint_RestoresLocalAndRemote(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "b.db")

	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	conn := bus.Join("B")

	db, err := store.Open(path)
	require.NoError(t, err)
	b := New(conn, WithStore(db), WithLogger(testutil.DiscardLogger()))
	require.NoError(t, b.Initialize(ctx, "fm1", "B"))

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F1", model.RootID, "F1", false, "")
	}))
	require.NoError(t, conn.Deliver(ctx, "A", b.Receive))
	require.NoError(t, b.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F2", "F1", "F2", false, model.GroupOr)
	}))
	before, err := b.Snapshot("fm1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = store.Open(path)
	require.NoError(t, err)
	defer db.Close()
	restored := New(syncwire.Discard{}, WithStore(db), WithLogger(testutil.DiscardLogger()))
	require.NoError(t, restored.Initialize(ctx, "fm1", "B"))

	after, err := restored.Snapshot("fm1")
	require.NoError(t, err)
	assert.Equal(t, before.Digest(), after.Digest())

	require.NoError(t, restored.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.SetDescription("F2", "after restart")
	}))
	log, err := restored.Log("fm1")
	require.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, int64(2), last.Seq)
	assert.Equal(t, int64(1), last.DependsOn.Get("A"))
}
