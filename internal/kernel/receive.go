package kernel

import (
	"context"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/syncwire"
)

// Receive handles one inbound message.
//
// Malformed messages are rejected with a *syncwire.ValidationError and never
// touch any state. Messages for artifacts this kernel has not joined are
// discarded without error. Duplicates are absorbed; operations that arrive
// ahead of a causal predecessor are buffered until it arrives.
//
// Receive has the signature of syncwire.Handler.
func (k *Kernel) Receive(ctx context.Context, msg []byte) error {
	env, err := syncwire.Decode(msg)
	if err != nil {
		k.logger.Warn("rejected inbound message", "error", err)
		return err
	}

	st := k.lookup(env.ArtifactID())
	if st == nil {
		k.logger.Debug("discarding message for unknown artifact",
			"artifact", env.ArtifactID(),
			"type", env.Type,
			"from", env.SiteID(),
		)
		return nil
	}

	switch env.Type {
	case syncwire.TypeOperation:
		return k.merge(ctx, st, *env.Operation)
	case syncwire.TypeSyncRequest:
		return k.answerSyncRequest(ctx, st, *env.Exchange)
	case syncwire.TypeAck:
		return k.acknowledge(ctx, st, *env.Exchange)
	}
	return fmt.Errorf("receive: unhandled message type %q", env.Type)
}

// merge admits a remote operation, checkpoints and logs whatever became
// deliverable, and re-projects the document.
func (k *Kernel) merge(ctx context.Context, st *artifactState, op ir.Operation) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	projected := st.causal.Snapshot()
	work := st.causal.Clone()
	delivered := work.Admit(op)
	if len(delivered) == 0 {
		// Duplicate, or buffered behind a missing predecessor.
		st.causal = work
		k.logger.Debug("operation not yet deliverable",
			"artifact", st.artifact,
			"op", op.Key(),
			"buffered", work.Pending(),
		)
		return nil
	}

	if k.store != nil {
		if err := k.store.AppendOperations(ctx, delivered); err != nil {
			// The context is left untouched; anti-entropy will bring the
			// operation back.
			return newCheckpointError(st.artifact, len(delivered), err)
		}
	}
	st.causal = work

	rebuild := false
	for _, d := range delivered {
		if _, err := st.log.Append(d); err != nil {
			return fmt.Errorf("merge %s: %w", d, err)
		}
		// An operation that depends on everything already projected sorts
		// after all of it in canonical order and can be patched in.
		if !rebuild && d.DependsOn.Covers(projected) {
			st.doc.Apply(d)
		} else {
			rebuild = true
		}
		projected[d.SiteID] = d.Seq
	}
	if rebuild {
		st.doc = model.Project(st.artifact, st.log.Entries())
	}
	st.notify()

	k.logger.Debug("remote operations merged",
		"artifact", st.artifact,
		"trigger", op.Key(),
		"delivered", len(delivered),
		"rebuild", rebuild,
		"log_len", st.log.Len(),
	)
	return nil
}

// answerSyncRequest replies with every operation the requester lacks,
// followed by an ack carrying this site's context.
func (k *Kernel) answerSyncRequest(ctx context.Context, st *artifactState, req syncwire.Exchange) error {
	if req.SiteID == st.site {
		return nil
	}

	st.mu.Lock()
	var msgs [][]byte
	for op := range st.log.OperationsSince(req.Context) {
		b, err := syncwire.Encode(op)
		if err != nil {
			st.mu.Unlock()
			return err
		}
		msgs = append(msgs, b)
	}
	ack, err := syncwire.EncodeAck(st.artifact, st.site, st.causal.Snapshot())
	st.mu.Unlock()
	if err != nil {
		return err
	}
	msgs = append(msgs, ack)

	k.logger.Debug("answering sync request",
		"artifact", st.artifact,
		"from", req.SiteID,
		"operations", len(msgs)-1,
	)
	return k.send(ctx, st, msgs)
}

// acknowledge records a peer's context, drops queued operations it already
// has and pushes the operations it lacks.
func (k *Kernel) acknowledge(ctx context.Context, st *artifactState, ack syncwire.Exchange) error {
	if ack.SiteID == st.site {
		return nil
	}

	st.mu.Lock()
	for site, seq := range ack.Context {
		if seq > st.acked[site] {
			st.acked[site] = seq
		}
	}
	dropped := st.outbox.dropCovered(ack.Context)

	queued := make(map[ir.OpKey]bool)
	for _, p := range st.outbox.snapshot() {
		queued[p.key] = true
	}
	var msgs [][]byte
	for op := range st.log.OperationsSince(ack.Context) {
		if queued[op.Key()] {
			continue
		}
		b, err := syncwire.Encode(op)
		if err != nil {
			st.mu.Unlock()
			return err
		}
		msgs = append(msgs, b)
	}
	st.mu.Unlock()

	k.logger.Debug("peer acknowledged",
		"artifact", st.artifact,
		"from", ack.SiteID,
		"dropped", dropped,
		"pushing", len(msgs),
	)
	if err := k.send(ctx, st, msgs); err != nil {
		return err
	}
	return k.deliver(ctx, st)
}
