package ir

import (
	"cmp"
	"fmt"
	"maps"
)

// SiteID identifies one collaborating participant. Opaque and never reused.
type SiteID string

// ArtifactID identifies the feature-model document an operation applies to.
type ArtifactID string

// OpKind names an edit operation.
type OpKind string

// Operation kinds. The set is closed; decoders reject anything else.
const (
	OpAddFeature       OpKind = "AddFeature"
	OpRemoveFeature    OpKind = "RemoveFeature"
	OpRenameFeature    OpKind = "RenameFeature"
	OpSetDescription   OpKind = "SetDescription"
	OpReparent         OpKind = "Reparent"
	OpAddConstraint    OpKind = "AddConstraint"
	OpRemoveConstraint OpKind = "RemoveConstraint"
	OpSetGroup         OpKind = "SetGroup"
)

// OpKinds lists every valid kind in declaration order.
var OpKinds = []OpKind{
	OpAddFeature,
	OpRemoveFeature,
	OpRenameFeature,
	OpSetDescription,
	OpReparent,
	OpAddConstraint,
	OpRemoveConstraint,
	OpSetGroup,
}

// Valid reports whether k is one of the known operation kinds.
func (k OpKind) Valid() bool {
	for _, known := range OpKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Operation is one immutable, site-tagged edit.
//
// (SiteID, Seq) is unique within an artifact. DependsOn is the creating
// site's causal context at creation time; for site S it always carries
// DependsOn[S] == Seq-1.
type Operation struct {
	ArtifactID ArtifactID `json:"artifact_id"`
	SiteID     SiteID     `json:"site_id"`
	Seq        int64      `json:"seq"`
	Kind       OpKind     `json:"kind"`
	Payload    IRObject   `json:"payload"`
	DependsOn  Context    `json:"depends_on"`
}

// Key returns the (site, seq) identity of the operation.
func (op Operation) Key() OpKey {
	return OpKey{Site: op.SiteID, Seq: op.Seq}
}

// String is used in log lines and error messages.
func (op Operation) String() string {
	return fmt.Sprintf("%s/%s#%d %s", op.ArtifactID, op.SiteID, op.Seq, op.Kind)
}

// Clone returns a deep copy. Operations are values, but Payload and
// DependsOn are maps and must not be shared across replicas.
func (op Operation) Clone() Operation {
	op.Payload = op.Payload.Clone()
	op.DependsOn = op.DependsOn.Clone()
	return op
}

// OpKey is the (site, seq) identity of an operation.
type OpKey struct {
	Site SiteID
	Seq  int64
}

// Compare orders keys by site, then seq. This is the fixed tie-break used by
// canonical replay.
func (k OpKey) Compare(other OpKey) int {
	if c := cmp.Compare(k.Site, other.Site); c != 0 {
		return c
	}
	return cmp.Compare(k.Seq, other.Seq)
}

// Context maps each site to the highest sequence number incorporated from it.
// A missing site means zero.
type Context map[SiteID]int64

// Get returns the watermark for site.
func (c Context) Get(site SiteID) int64 {
	return c[site]
}

// Clone returns an independent copy. A nil context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	maps.Copy(out, c)
	return out
}

// Covers reports whether c has seen everything other has seen.
func (c Context) Covers(other Context) bool {
	for site, seq := range other {
		if c[site] < seq {
			return false
		}
	}
	return true
}

// Includes reports whether the operation identified by key is reflected in c.
func (c Context) Includes(key OpKey) bool {
	return key.Seq <= c[key.Site]
}

// Equal compares two contexts, treating missing sites as zero.
func (c Context) Equal(other Context) bool {
	return c.Covers(other) && other.Covers(c)
}

// IRObject renders the context as an object of site → seq.
func (c Context) IRObject() IRObject {
	obj := make(IRObject, len(c))
	for site, seq := range c {
		obj[string(site)] = IRInt(seq)
	}
	return obj
}

// CanonicalObject renders the operation as an IRObject suitable for
// MarshalCanonical.
func (op Operation) CanonicalObject() IRObject {
	payload := op.Payload
	if payload == nil {
		payload = IRObject{}
	}
	return IRObject{
		"artifact_id": IRString(op.ArtifactID),
		"site_id":     IRString(op.SiteID),
		"seq":         IRInt(op.Seq),
		"kind":        IRString(op.Kind),
		"payload":     payload,
		"depends_on":  op.DependsOn.IRObject(),
	}
}
