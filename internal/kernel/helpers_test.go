package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/syncwire"
	"github.com/roach88/fmsync/internal/testutil"
)

// memStore is an in-memory Checkpointer.
type memStore struct {
	mu   sync.Mutex
	ops  []ir.Operation
	seen map[ir.ArtifactID]map[ir.OpKey]bool
	fail error
}

func newMemStore() *memStore {
	return &memStore{seen: make(map[ir.ArtifactID]map[ir.OpKey]bool)}
}

func (m *memStore) AppendOperations(_ context.Context, ops []ir.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, op := range ops {
		if m.seen[op.ArtifactID] == nil {
			m.seen[op.ArtifactID] = make(map[ir.OpKey]bool)
		}
		if m.seen[op.ArtifactID][op.Key()] {
			continue
		}
		m.seen[op.ArtifactID][op.Key()] = true
		m.ops = append(m.ops, op.Clone())
	}
	return nil
}

func (m *memStore) ReadOperations(_ context.Context, artifact ir.ArtifactID) ([]ir.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ir.Operation
	for _, op := range m.ops {
		if op.ArtifactID == artifact {
			out = append(out, op.Clone())
		}
	}
	return out, nil
}

func (m *memStore) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

var errBoom = errors.New("boom")

// peer is one site attached to a loopback bus.
type peer struct {
	site   ir.SiteID
	kernel *Kernel
	conn   *syncwire.LoopbackPeer
}

func newPeer(t *testing.T, bus *syncwire.Loopback, site ir.SiteID) *peer {
	t.Helper()
	conn := bus.Join(site)
	k := New(conn, WithLogger(testutil.DiscardLogger()))
	require.NoError(t, k.Initialize(context.Background(), "fm1", site))
	return &peer{site: site, kernel: k, conn: conn}
}

// deliverFrom hands p every message queued from sender, in send order.
func (p *peer) deliverFrom(t *testing.T, sender *peer) {
	t.Helper()
	require.NoError(t, p.conn.Deliver(context.Background(), sender.site, p.kernel.Receive))
}

func (p *peer) seqs(t *testing.T) []int64 {
	t.Helper()
	log, err := p.kernel.Log("fm1")
	require.NoError(t, err)
	var out []int64
	for _, op := range log {
		if op.SiteID == p.site {
			out = append(out, op.Seq)
		}
	}
	return out
}

func newKernel(t *testing.T, opts ...Option) (*Kernel, *testutil.RecordingTransport) {
	t.Helper()
	tr := testutil.NewRecordingTransport()
	opts = append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)
	k := New(tr, opts...)
	require.NoError(t, k.Initialize(context.Background(), "fm1", "A"))
	return k, tr
}

func childIDs(t *testing.T, k *Kernel, parent string) []string {
	t.Helper()
	doc, err := k.Snapshot("fm1")
	require.NoError(t, err)
	var ids []string
	for _, f := range doc.Children(parent) {
		ids = append(ids, f.ID)
	}
	return ids
}
