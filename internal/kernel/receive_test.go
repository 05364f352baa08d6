package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/syncwire"
)

func assertConverged(t *testing.T, peers ...*peer) {
	t.Helper()
	first, err := peers[0].kernel.Snapshot("fm1")
	require.NoError(t, err)
	require.NoError(t, first.Validate())
	for _, p := range peers[1:] {
		doc, err := p.kernel.Snapshot("fm1")
		require.NoError(t, err)
		assert.Equal(t, first.Digest(), doc.Digest(), "site %s diverged from %s", p.site, peers[0].site)
	}
}

func TestScenario_ConcurrentAddAndDescribeConverge(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F1", model.RootID, "F1", false, "")
	}))
	assert.Equal(t, []string{"F1"}, childIDs(t, a.kernel, model.RootID))

	require.NoError(t, b.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.SetDescription(model.RootID, "shared description")
	}))

	// Each site sees its own edit first and the other's second.
	b.deliverFrom(t, a)
	a.deliverFrom(t, b)

	assertConverged(t, a, b)
	for _, p := range []*peer{a, b} {
		doc, err := p.kernel.Snapshot("fm1")
		require.NoError(t, err)
		_, ok := doc.Feature("F1")
		assert.True(t, ok, "site %s has F1", p.site)
		assert.Equal(t, "shared description", doc.Root().Description)
	}
}

func TestScenario_GapIsBufferedUntilFilled(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	edits := []func(*Txn) error{
		func(txn *Txn) error { return txn.AddFeature("F1", model.RootID, "F1", false, "") },
		func(txn *Txn) error { return txn.AddFeature("F2", model.RootID, "F2", false, "") },
		func(txn *Txn) error { return txn.RenameFeature("F1", "renamed") },
		func(txn *Txn) error { return txn.SetDescription("F2", "described") },
		func(txn *Txn) error { return txn.AddFeature("F5", "F1", "F5", false, "") },
	}
	for _, edit := range edits {
		require.NoError(t, a.kernel.Apply(ctx, "fm1", edit))
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, a.seqs(t))
	msgs := b.conn.Take("A")
	require.Len(t, msgs, 5)

	for _, i := range []int{0, 1, 4} {
		require.NoError(t, b.kernel.Receive(ctx, msgs[i]))
	}
	doc, _ := b.kernel.Snapshot("fm1")
	_, hasF5 := doc.Feature("F5")
	assert.False(t, hasF5, "seq 5 is not reflected before 3 and 4")
	buffered, _ := b.kernel.Buffered("fm1")
	assert.Equal(t, 1, buffered)

	require.NoError(t, b.kernel.Receive(ctx, msgs[2]))
	doc, _ = b.kernel.Snapshot("fm1")
	_, hasF5 = doc.Feature("F5")
	assert.False(t, hasF5)

	require.NoError(t, b.kernel.Receive(ctx, msgs[3]))
	buffered, _ = b.kernel.Buffered("fm1")
	assert.Zero(t, buffered)

	assertConverged(t, a, b)
	bc, _ := b.kernel.Context("fm1")
	assert.Equal(t, int64(5), bc.Get("A"))
}

func TestScenario_BogusTypeRejected(t *testing.T) {
	k, _ := newKernel(t)

	err := k.Receive(context.Background(), []byte(`{"type":"bogus","artifact_id":"fm1","site_id":"B","seq":1}`))
	require.Error(t, err)
	assert.True(t, syncwire.IsValidationError(err))

	log, _ := k.Log("fm1")
	assert.Empty(t, log)
}

func TestReceive_EmptyMessageRejected(t *testing.T) {
	k, _ := newKernel(t)
	assert.True(t, syncwire.IsValidationError(k.Receive(context.Background(), nil)))
}

func TestReceive_Idempotent(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F1", model.RootID, "F1", false, "")
	}))
	msg := b.conn.Take("A")[0]

	require.NoError(t, b.kernel.Receive(ctx, msg))
	once, _ := b.kernel.Snapshot("fm1")
	require.NoError(t, b.kernel.Receive(ctx, msg))
	twice, _ := b.kernel.Snapshot("fm1")

	assert.True(t, once.Equal(twice))
	log, _ := b.kernel.Log("fm1")
	assert.Len(t, log, 1)
}

func TestReceive_OwnEchoIgnored(t *testing.T) {
	k, tr := newKernel(t)
	ctx := context.Background()
	require.NoError(t, k.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.SetDescription(model.RootID, "x")
	}))

	require.NoError(t, k.Receive(ctx, tr.Messages()[0]))
	log, _ := k.Log("fm1")
	assert.Len(t, log, 1)
}

func TestReceive_UnknownArtifactDiscarded(t *testing.T) {
	k, _ := newKernel(t)
	msg, err := syncwire.Encode(ir.Operation{
		ArtifactID: "other", SiteID: "B", Seq: 1, Kind: ir.OpRemoveFeature,
		Payload: ir.IRObject{"id": ir.IRString("F")}, DependsOn: ir.Context{"B": 0},
	})
	require.NoError(t, err)

	require.NoError(t, k.Receive(context.Background(), msg))
	assert.Equal(t, []ir.ArtifactID{"fm1"}, k.Artifacts())
}

func TestReceive_CausalOrderAcrossSites(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")
	c := newPeer(t, bus, "C")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F", model.RootID, "F", false, "")
	}))
	b.deliverFrom(t, a)
	require.NoError(t, b.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.RenameFeature("F", "renamed by B")
	}))

	// C hears from B before A.
	c.deliverFrom(t, b)
	doc, _ := c.kernel.Snapshot("fm1")
	assert.Equal(t, 1, doc.Len(), "B's rename waits for A's add")
	buffered, _ := c.kernel.Buffered("fm1")
	assert.Equal(t, 1, buffered)

	c.deliverFrom(t, a)
	doc, _ = c.kernel.Snapshot("fm1")
	f, ok := doc.Feature("F")
	require.True(t, ok)
	assert.Equal(t, "renamed by B", f.Name)

	a.deliverFrom(t, b)
	assertConverged(t, a, b, c)
}

func TestReceive_ConcurrentConflictsConverge(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		if err := txn.AddFeature("F", model.RootID, "F", false, ""); err != nil {
			return err
		}
		return txn.AddFeature("G", model.RootID, "G", false, "")
	}))
	b.deliverFrom(t, a)

	// Concurrent: A moves F under G while B moves G under F and renames F.
	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.Reparent("F", "G")
	}))
	require.NoError(t, b.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		if err := txn.Reparent("G", "F"); err != nil {
			return err
		}
		return txn.RenameFeature("F", "f")
	}))

	a.deliverFrom(t, b)
	b.deliverFrom(t, a)

	assertConverged(t, a, b)
	doc, _ := a.kernel.Snapshot("fm1")
	g, _ := doc.Feature("G")
	assert.Equal(t, model.RootID, g.Parent, "B's reparent would close a cycle after A's and is skipped")
}

func TestAntiEntropy_LateJoinerCatchesUp(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	// A edits while offline.
	a.conn.SetDown(true)
	err := a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		if err := txn.AddFeature("F1", model.RootID, "F1", false, ""); err != nil {
			return err
		}
		return txn.AddFeature("F2", "F1", "F2", false, "")
	})
	require.True(t, syncwire.IsTransportError(err))
	undelivered, _ := a.kernel.Undelivered("fm1")
	assert.Equal(t, 2, undelivered)

	// B edits and broadcasts; A hears it.
	require.NoError(t, b.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.SetDescription(model.RootID, "from B")
	}))
	a.deliverFrom(t, b)

	// A comes back: sync_request, then the queued operations.
	a.conn.SetDown(false)
	require.NoError(t, a.kernel.Reconnect(ctx))
	undelivered, _ = a.kernel.Undelivered("fm1")
	assert.Zero(t, undelivered)

	// B answers the sync_request with what A lacks (nothing) and an ack.
	b.deliverFrom(t, a)
	a.deliverFrom(t, b)

	assertConverged(t, a, b)
	acked, _ := a.kernel.Acknowledged("fm1")
	assert.Equal(t, int64(1), acked.Get("B"))

	// A second round tells B that A holds everything.
	require.NoError(t, b.kernel.Reconnect(ctx))
	a.deliverFrom(t, b)
	b.deliverFrom(t, a)
	acked, _ = b.kernel.Acknowledged("fm1")
	assert.Equal(t, int64(2), acked.Get("A"))
	assert.Equal(t, int64(1), acked.Get("B"))
	assertConverged(t, a, b)
}

func TestAntiEntropy_SyncRequestAnswered(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	for _, id := range []string{"F1", "F2", "F3"} {
		require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
			return txn.AddFeature(id, model.RootID, id, false, "")
		}))
	}
	// B missed everything.
	b.conn.Take("A")

	req, err := syncwire.EncodeSyncRequest("fm1", "B", ir.Context{"A": 1})
	require.NoError(t, err)
	require.NoError(t, a.kernel.Receive(ctx, req))

	replies := b.conn.Take("A")
	require.Len(t, replies, 3, "A#2, A#3 and an ack")
	for i, want := range []syncwire.MessageType{syncwire.TypeOperation, syncwire.TypeOperation, syncwire.TypeAck} {
		env, err := syncwire.Decode(replies[i])
		require.NoError(t, err)
		assert.Equal(t, want, env.Type)
	}
	op, _ := syncwire.DecodeOperation(replies[0])
	assert.Equal(t, int64(2), op.Seq)
}

func TestAntiEntropy_AckDropsQueuedOperations(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")

	a.conn.SetDown(true)
	require.Error(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.SetDescription(model.RootID, "x")
	}))

	// Some peer already has A#1 (e.g. relayed through a third site).
	ack, err := syncwire.EncodeAck("fm1", "B", ir.Context{"A": 1})
	require.NoError(t, err)
	require.NoError(t, a.kernel.Receive(ctx, ack))

	undelivered, _ := a.kernel.Undelivered("fm1")
	assert.Zero(t, undelivered)
}

func TestAntiEntropy_AckPushesMissingOperations(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F1", model.RootID, "F1", false, "")
	}))
	b.conn.Take("A") // lost in transit

	ack, err := syncwire.EncodeAck("fm1", "B", ir.Context{})
	require.NoError(t, err)
	require.NoError(t, a.kernel.Receive(ctx, ack))

	b.deliverFrom(t, a)
	assertConverged(t, a, b)
}

func TestReceive_CheckpointsMergedOperations(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")

	store := newMemStore()
	conn := bus.Join("B")
	bk := New(conn, WithStore(store), WithLogger(a.kernel.logger))
	require.NoError(t, bk.Initialize(ctx, "fm1", "B"))

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("F1", model.RootID, "F1", false, "")
	}))
	msgs := conn.Take("A")
	require.Len(t, msgs, 1)

	store.failWith(errBoom)
	err := bk.Receive(ctx, msgs[0])
	require.Error(t, err)
	assert.True(t, IsCheckpointFailed(err))
	log, _ := bk.Log("fm1")
	assert.Empty(t, log, "nothing merged when the checkpoint fails")

	store.failWith(nil)
	require.NoError(t, bk.Receive(ctx, msgs[0]))
	assert.Equal(t, 1, store.len())
	log, _ = bk.Log("fm1")
	assert.Len(t, log, 1)
}

func TestReceive_DecomposedIDsConverge(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.AddFeature("e\u0301", model.RootID, "orig", false, "")
	}))
	assert.Equal(t, []string{"\u00e9"}, childIDs(t, a.kernel, model.RootID))
	log, _ := a.kernel.Log("fm1")
	require.Len(t, log, 1)
	assert.Equal(t, ir.IRString("\u00e9"), log[0].Payload["id"], "logged in the form peers decode")
	b.deliverFrom(t, a)

	// B edits the feature by the id it sees.
	ids := childIDs(t, b.kernel, model.RootID)
	require.Len(t, ids, 1)
	require.NoError(t, b.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.RenameFeature(ids[0], "renamed")
	}))
	a.deliverFrom(t, b)
	assertConverged(t, a, b)

	// A can keep using the decomposed spelling.
	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		return txn.SetDescription("e\u0301", "described")
	}))
	b.deliverFrom(t, a)
	assertConverged(t, a, b)

	for _, p := range []*peer{a, b} {
		doc, err := p.kernel.Snapshot("fm1")
		require.NoError(t, err)
		f, ok := doc.Feature("\u00e9")
		require.True(t, ok, "site %s", p.site)
		assert.Equal(t, "renamed", f.Name)
		assert.Equal(t, "described", f.Description)
	}
}

func TestReceive_NullPayloadRejected(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	b := newPeer(t, bus, "B")
	c := newPeer(t, bus, "C")

	bad := []byte(`{"type":"operation","artifact_id":"fm1","site_id":"X","seq":1,"kind":"SetDescription","payload":{"id":"root","description":"d","extra":null},"depends_on":{"X":0}}`)
	err := b.kernel.Receive(ctx, bad)
	require.Error(t, err)
	assert.True(t, syncwire.IsValidationError(err))
	log, _ := b.kernel.Log("fm1")
	assert.Empty(t, log)
	buffered, _ := b.kernel.Buffered("fm1")
	assert.Zero(t, buffered)

	// The well-formed op from the same site still merges.
	good := []byte(`{"type":"operation","artifact_id":"fm1","site_id":"X","seq":1,"kind":"SetDescription","payload":{"id":"root","description":"d"},"depends_on":{"X":0}}`)
	require.NoError(t, b.kernel.Receive(ctx, good))

	// And B can still answer anti-entropy with it.
	req, err := syncwire.EncodeSyncRequest("fm1", "C", ir.Context{})
	require.NoError(t, err)
	require.NoError(t, b.kernel.Receive(ctx, req))
	replies := c.conn.Take("B")
	require.Len(t, replies, 2, "X#1 and an ack")
	for _, msg := range replies {
		require.NoError(t, c.kernel.Receive(ctx, msg))
	}
	assertConverged(t, b, c)
	doc, _ := c.kernel.Snapshot("fm1")
	assert.Equal(t, "d", doc.Root().Description)
}

func TestAntiEntropy_RoundTripReencodesIdentically(t *testing.T) {
	ctx := context.Background()
	bus := syncwire.NewLoopback()
	a := newPeer(t, bus, "A")
	b := newPeer(t, bus, "B")
	c := newPeer(t, bus, "C")

	require.NoError(t, a.kernel.Apply(ctx, "fm1", func(txn *Txn) error {
		if err := txn.AddFeature("Fe\u0301", model.RootID, "Cafe\u0301", false, model.GroupOr); err != nil {
			return err
		}
		if err := txn.AddFeature("機能", "Fe\u0301", "名前", false, ""); err != nil {
			return err
		}
		return txn.AddConstraint("k\u0301", model.Requires, "機能", "F\u00e9")
	}))
	sent := b.conn.Take("A")
	require.Len(t, sent, 3)
	c.conn.Take("A") // C misses the broadcast

	for _, msg := range sent {
		require.NoError(t, b.kernel.Receive(ctx, msg))
	}

	// C asks B, which re-encodes what it decoded.
	req, err := syncwire.EncodeSyncRequest("fm1", "C", ir.Context{})
	require.NoError(t, err)
	require.NoError(t, b.kernel.Receive(ctx, req))
	replies := c.conn.Take("B")
	require.Len(t, replies, 4, "A#1..A#3 and an ack")
	for i, msg := range sent {
		assert.Equal(t, string(msg), string(replies[i]), "A#%d", i+1)
	}
	for _, msg := range replies {
		require.NoError(t, c.kernel.Receive(ctx, msg))
	}
	assertConverged(t, a, b, c)

	doc, _ := c.kernel.Snapshot("fm1")
	assert.Len(t, doc.Constraints(), 1)
}
