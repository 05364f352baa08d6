package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
)

// ErrTxnClosed is returned when a Txn is used after its Run returned.
var ErrTxnClosed = errors.New("kernel: transaction already finished")

type proposal struct {
	kind    ir.OpKind
	payload ir.IRObject
}

// Txn is the scoped handle a Run's edit function receives. Proposals are
// checked and applied to a private working copy; nothing is visible outside
// until the run commits.
type Txn struct {
	ctx      context.Context
	artifact ir.ArtifactID
	site     ir.SiteID
	doc      *model.Document
	staged   []proposal
	closed   bool
}

func newTxn(ctx context.Context, artifact ir.ArtifactID, site ir.SiteID, doc *model.Document) *Txn {
	return &Txn{ctx: ctx, artifact: artifact, site: site, doc: doc}
}

func (t *Txn) close() {
	t.closed = true
}

// Context returns the context the run was started with.
func (t *Txn) Context() context.Context { return t.ctx }

// Artifact returns the artifact being edited.
func (t *Txn) Artifact() ir.ArtifactID { return t.artifact }

// Site returns the local site identity.
func (t *Txn) Site() ir.SiteID { return t.site }

// Doc returns the working copy, including every proposal staged so far.
// Treat it as read-only.
func (t *Txn) Doc() *model.Document { return t.doc }

// Staged returns the number of staged proposals.
func (t *Txn) Staged() int { return len(t.staged) }

// Propose stages an operation of the given kind. It fails with a
// *model.PreconditionError if the operation would not apply to the working
// copy; the caller decides whether that aborts the run.
//
// The payload is staged in NFC form, the form peers decode it in.
func (t *Txn) Propose(kind ir.OpKind, payload ir.IRObject) error {
	if t.closed {
		return ErrTxnClosed
	}
	normalized, err := ir.NormalizePayload(payload)
	if err != nil {
		return &model.PreconditionError{Kind: kind, Reason: fmt.Sprintf("payload: %v", err)}
	}
	op := ir.Operation{
		ArtifactID: t.artifact,
		SiteID:     t.site,
		Kind:       kind,
		Payload:    normalized,
	}
	if err := t.doc.Check(op); err != nil {
		return err
	}
	t.doc.Apply(op)
	t.staged = append(t.staged, proposal{kind: kind, payload: op.Payload})
	return nil
}

// AddFeature adds a child of parent. An empty group means "and".
func (t *Txn) AddFeature(id, parent, name string, mandatory bool, group model.Group) error {
	payload := ir.IRObject{
		"id":        ir.IRString(id),
		"parent":    ir.IRString(parent),
		"name":      ir.IRString(name),
		"mandatory": ir.IRBool(mandatory),
	}
	if group != "" {
		payload["group"] = ir.IRString(group)
	}
	return t.Propose(ir.OpAddFeature, payload)
}

// RemoveFeature removes id with its subtree and every constraint touching it.
func (t *Txn) RemoveFeature(id string) error {
	return t.Propose(ir.OpRemoveFeature, ir.IRObject{"id": ir.IRString(id)})
}

// RenameFeature sets the display name of id.
func (t *Txn) RenameFeature(id, name string) error {
	return t.Propose(ir.OpRenameFeature, ir.IRObject{"id": ir.IRString(id), "name": ir.IRString(name)})
}

// SetDescription sets the description of id.
func (t *Txn) SetDescription(id, description string) error {
	return t.Propose(ir.OpSetDescription, ir.IRObject{"id": ir.IRString(id), "description": ir.IRString(description)})
}

// Reparent moves id under parent.
func (t *Txn) Reparent(id, parent string) error {
	return t.Propose(ir.OpReparent, ir.IRObject{"id": ir.IRString(id), "parent": ir.IRString(parent)})
}

// AddConstraint adds a cross-tree constraint.
func (t *Txn) AddConstraint(id string, kind model.ConstraintKind, from, to string) error {
	return t.Propose(ir.OpAddConstraint, ir.IRObject{
		"id":   ir.IRString(id),
		"kind": ir.IRString(kind),
		"from": ir.IRString(from),
		"to":   ir.IRString(to),
	})
}

// RemoveConstraint removes a cross-tree constraint.
func (t *Txn) RemoveConstraint(id string) error {
	return t.Propose(ir.OpRemoveConstraint, ir.IRObject{"id": ir.IRString(id)})
}

// SetGroup changes how the children of id combine.
func (t *Txn) SetGroup(id string, group model.Group) error {
	return t.Propose(ir.OpSetGroup, ir.IRObject{"id": ir.IRString(id), "group": ir.IRString(group)})
}
