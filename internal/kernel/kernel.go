package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fmsync/internal/causal"
	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/oplog"
	"github.com/roach88/fmsync/internal/syncwire"
)

// Checkpointer persists operation logs outside the process. Implemented by
// store.Store.
//
// AppendOperations must be atomic and idempotent per (artifact, site, seq).
// ReadOperations returns an artifact's operations in the order they were
// appended.
type Checkpointer interface {
	AppendOperations(ctx context.Context, ops []ir.Operation) error
	ReadOperations(ctx context.Context, artifact ir.ArtifactID) ([]ir.Operation, error)
}

// Kernel owns the replicated state of every artifact this site has joined.
//
// Thread-safety: all methods are safe for concurrent use. Work on one
// artifact is serialized; different artifacts never block each other.
type Kernel struct {
	transport syncwire.Transport
	store     Checkpointer
	logger    *slog.Logger

	mu        sync.RWMutex
	artifacts map[ir.ArtifactID]*artifactState
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithStore checkpoints every committed or merged operation to c and
// restores artifacts from it on Initialize.
func WithStore(c Checkpointer) Option {
	return func(k *Kernel) {
		k.store = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) {
		k.logger = logger
	}
}

// New creates a kernel that delivers outbound messages through transport.
// A nil transport discards them.
func New(transport syncwire.Transport, opts ...Option) *Kernel {
	if transport == nil {
		transport = syncwire.Discard{}
	}
	k := &Kernel{
		transport: transport,
		logger:    slog.Default(),
		artifacts: make(map[ir.ArtifactID]*artifactState),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// artifactState is the exclusively owned state of one artifact.
type artifactState struct {
	artifact ir.ArtifactID
	site     ir.SiteID

	// mu guards everything below except outbox and sendMu.
	mu        sync.Mutex
	causal    *causal.Context
	log       *oplog.Log
	doc       *model.Document
	acked     ir.Context
	watchers  map[int]chan *model.Document
	nextWatch int

	// sendMu serializes delivery so outbound order equals commit order.
	sendMu sync.Mutex
	outbox *outbox
}

func newArtifactState(artifact ir.ArtifactID, site ir.SiteID) *artifactState {
	return &artifactState{
		artifact: artifact,
		site:     site,
		causal:   causal.New(nil),
		log:      oplog.New(artifact),
		doc:      model.New(artifact),
		acked:    ir.Context{},
		watchers: make(map[int]chan *model.Document),
		outbox:   newOutbox(),
	}
}

// restore replays checkpointed operations through causal admission.
// Returns how many were loaded.
func (st *artifactState) restore(ops []ir.Operation) (int, error) {
	for _, op := range ops {
		for _, d := range st.causal.Admit(op) {
			if _, err := st.log.Append(d); err != nil {
				return st.log.Len(), fmt.Errorf("restore %s: %w", d, err)
			}
		}
	}
	st.doc = model.Project(st.artifact, st.log.Entries())
	return st.log.Len(), nil
}

// notify publishes the current document to every watcher, replacing any
// snapshot the watcher has not consumed yet. Caller holds st.mu.
func (st *artifactState) notify() {
	if len(st.watchers) == 0 {
		return
	}
	snap := st.doc.Clone()
	for _, ch := range st.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Initialize binds artifact to site and creates its empty log and causal
// context. With a store configured, previously checkpointed operations are
// restored and local sequencing resumes after the site's last operation.
//
// Fails with ALREADY_INITIALIZED if artifact is already bound.
func (k *Kernel) Initialize(ctx context.Context, artifact ir.ArtifactID, site ir.SiteID) error {
	if artifact == "" {
		return errors.New("initialize: empty artifact id")
	}
	if site == "" {
		return fmt.Errorf("initialize %s: empty site id", artifact)
	}
	// Peers see both ids in NFC form.
	if !norm.NFC.IsNormalString(string(artifact)) || !norm.NFC.IsNormalString(string(site)) {
		return fmt.Errorf("initialize %q: artifact and site ids must be NFC normalized", artifact)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.artifacts[artifact]; ok {
		return newAlreadyInitializedError(artifact, existing.site)
	}

	st := newArtifactState(artifact, site)
	restored := 0
	if k.store != nil {
		ops, err := k.store.ReadOperations(ctx, artifact)
		if err != nil {
			return fmt.Errorf("initialize %s: read checkpoint: %w", artifact, err)
		}
		if restored, err = st.restore(ops); err != nil {
			return fmt.Errorf("initialize %s: %w", artifact, err)
		}
		if st.causal.Pending() > 0 {
			k.logger.Warn("checkpoint has causal gaps",
				"artifact", artifact,
				"buffered", st.causal.Pending(),
			)
		}
	}
	k.artifacts[artifact] = st

	k.logger.Info("artifact initialized",
		"artifact", artifact,
		"site", site,
		"restored", restored,
		"next_seq", st.causal.Get(site)+1,
	)
	return nil
}

func (k *Kernel) lookup(artifact ir.ArtifactID) *artifactState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.artifacts[artifact]
}

func (k *Kernel) mustLookup(artifact ir.ArtifactID) (*artifactState, error) {
	st := k.lookup(artifact)
	if st == nil {
		return nil, newUninitializedError(artifact)
	}
	return st, nil
}

// Run executes fn in a transaction on artifact and commits every proposal fn
// staged, atomically, once fn returns without error. If fn fails nothing is
// committed and its error is returned.
//
// After the commit the new operations are delivered. A delivery failure is
// returned as a *syncwire.TransportError together with fn's value; the
// commit stands and the operations stay queued for the next Flush or
// Reconnect.
func Run[T any](ctx context.Context, k *Kernel, artifact ir.ArtifactID, fn func(*Txn) (T, error)) (T, error) {
	var zero T
	st, err := k.mustLookup(artifact)
	if err != nil {
		return zero, err
	}

	value, committed, err := execute(ctx, k, st, fn)
	if err != nil {
		return zero, err
	}
	if committed == 0 {
		return value, nil
	}
	return value, k.deliver(ctx, st)
}

// Apply is Run for edit functions that produce no value.
func (k *Kernel) Apply(ctx context.Context, artifact ir.ArtifactID, fn func(*Txn) error) error {
	_, err := Run(ctx, k, artifact, func(t *Txn) (struct{}, error) {
		return struct{}{}, fn(t)
	})
	return err
}

// execute runs fn and commits under the artifact lock. Returns the number of
// committed operations.
func execute[T any](ctx context.Context, k *Kernel, st *artifactState, fn func(*Txn) (T, error)) (T, int, error) {
	var zero T

	st.mu.Lock()
	defer st.mu.Unlock()

	txn := newTxn(ctx, st.artifact, st.site, st.doc.Clone())
	defer txn.close()

	value, err := fn(txn)
	if err != nil {
		k.logger.Debug("run aborted",
			"artifact", st.artifact,
			"staged", len(txn.staged),
			"error", err,
		)
		return zero, 0, err
	}
	if len(txn.staged) == 0 {
		return value, 0, nil
	}
	// Cancellation is honored up to here. Once committing starts it runs to
	// completion.
	if err := ctx.Err(); err != nil {
		return zero, 0, fmt.Errorf("run on %s cancelled before commit: %w", st.artifact, err)
	}
	if err := k.commit(context.WithoutCancel(ctx), st, txn); err != nil {
		return zero, 0, err
	}
	return value, len(txn.staged), nil
}

// commit turns staged proposals into operations. Caller holds st.mu.
func (k *Kernel) commit(ctx context.Context, st *artifactState, txn *Txn) error {
	base := st.causal.Get(st.site)
	snapshot := st.causal.Snapshot()

	ops := make([]ir.Operation, len(txn.staged))
	queued := make([]pending, len(txn.staged))
	for i, p := range txn.staged {
		seq := base + int64(i) + 1
		deps := snapshot.Clone()
		deps[st.site] = seq - 1
		op := ir.Operation{
			ArtifactID: st.artifact,
			SiteID:     st.site,
			Seq:        seq,
			Kind:       p.kind,
			Payload:    p.payload,
			DependsOn:  deps,
		}
		msg, err := syncwire.Encode(op)
		if err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		ops[i] = op
		queued[i] = pending{key: op.Key(), msg: msg}
	}

	if k.store != nil {
		if err := k.store.AppendOperations(ctx, ops); err != nil {
			return newCheckpointError(st.artifact, len(ops), err)
		}
	}

	for _, op := range ops {
		if _, err := st.log.Append(op); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		if err := st.causal.AdvanceLocal(op.SiteID, op.Seq); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
	}
	// Local operations depend on everything already projected, so the
	// working copy is exactly the canonical projection.
	st.doc = txn.doc
	st.outbox.push(queued...)
	st.notify()

	k.logger.Info("run committed",
		"artifact", st.artifact,
		"site", st.site,
		"ops", len(ops),
		"first_seq", ops[0].Seq,
		"last_seq", ops[len(ops)-1].Seq,
	)
	return nil
}

// deliver hands queued operations to the transport in commit order.
func (k *Kernel) deliver(ctx context.Context, st *artifactState) error {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	for _, p := range st.outbox.snapshot() {
		if err := k.transport.Send(ctx, p.msg); err != nil {
			k.logger.Warn("delivery failed, operations stay queued",
				"artifact", st.artifact,
				"undelivered", st.outbox.Len(),
				"error", err,
			)
			return asTransportError(err)
		}
		st.outbox.remove(p.key)
	}
	return nil
}

// send hands msgs to the transport, in order, under the delivery lock.
func (k *Kernel) send(ctx context.Context, st *artifactState, msgs [][]byte) error {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	for _, msg := range msgs {
		if err := k.transport.Send(ctx, msg); err != nil {
			return asTransportError(err)
		}
	}
	return nil
}

func asTransportError(err error) error {
	if syncwire.IsTransportError(err) {
		return err
	}
	return &syncwire.TransportError{Op: "send", Err: err}
}

// Flush retries delivery of every queued operation of artifact.
func (k *Kernel) Flush(ctx context.Context, artifact ir.ArtifactID) error {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return err
	}
	return k.deliver(ctx, st)
}

// Reconnect resumes every artifact after a transport outage: it asks peers
// for the operations this site lacks, then flushes queued local operations.
// Peers answer with their missing operations and an ack, which in turn makes
// this site push what they lack.
func (k *Kernel) Reconnect(ctx context.Context) error {
	var errs []error
	for _, artifact := range k.Artifacts() {
		st := k.lookup(artifact)

		st.mu.Lock()
		req, err := syncwire.EncodeSyncRequest(st.artifact, st.site, st.causal.Snapshot())
		missing, buffered := st.causal.Missing(), st.causal.Pending()
		st.mu.Unlock()
		if buffered > 0 {
			k.logger.Debug("requesting operations blocking the buffer",
				"artifact", artifact,
				"buffered", buffered,
				"missing_from", missing,
			)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := k.send(ctx, st, [][]byte{req}); err != nil {
			errs = append(errs, fmt.Errorf("reconnect %s: %w", artifact, err))
			continue
		}
		if err := k.deliver(ctx, st); err != nil {
			errs = append(errs, fmt.Errorf("reconnect %s: %w", artifact, err))
		}
	}
	return errors.Join(errs...)
}

// Artifacts returns every initialized artifact, sorted.
func (k *Kernel) Artifacts() []ir.ArtifactID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Sorted(maps.Keys(k.artifacts))
}

// Site returns the site identity bound to artifact.
func (k *Kernel) Site(artifact ir.ArtifactID) (ir.SiteID, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return "", err
	}
	return st.site, nil
}

// Snapshot returns a copy of the current document.
func (k *Kernel) Snapshot(artifact ir.ArtifactID) (*model.Document, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Clone(), nil
}

// Context returns the causal context of artifact.
func (k *Kernel) Context(artifact ir.ArtifactID) (ir.Context, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.causal.Snapshot(), nil
}

// Log returns a copy of the operation log of artifact in arrival order.
func (k *Kernel) Log(artifact ir.ArtifactID) ([]ir.Operation, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.log.Entries(), nil
}

// Buffered returns how many remote operations of artifact are waiting for a
// causal predecessor.
func (k *Kernel) Buffered(artifact ir.ArtifactID) (int, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.causal.Pending(), nil
}

// Undelivered returns how many committed local operations of artifact have
// not been handed to the transport yet.
func (k *Kernel) Undelivered(artifact ir.ArtifactID) (int, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return 0, err
	}
	return st.outbox.Len(), nil
}

// Acknowledged returns the highest context peers have acknowledged.
func (k *Kernel) Acknowledged(artifact ir.ArtifactID) (ir.Context, error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acked.Clone(), nil
}

// Watch subscribes to document changes of artifact. The channel holds at
// most one snapshot: a slow reader skips intermediate states and always sees
// the latest. The current document is available immediately. Call cancel to
// unsubscribe; it closes the channel.
func (k *Kernel) Watch(artifact ir.ArtifactID) (<-chan *model.Document, func(), error) {
	st, err := k.mustLookup(artifact)
	if err != nil {
		return nil, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ch := make(chan *model.Document, 1)
	ch <- st.doc.Clone()
	id := st.nextWatch
	st.nextWatch++
	st.watchers[id] = ch

	cancel := sync.OnceFunc(func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.watchers, id)
		close(ch)
	})
	return ch, cancel, nil
}
