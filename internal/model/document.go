// Package model is the materialized feature model of one artifact.
//
// A Document is derived state: it is obtained by folding an operation log in
// canonical order and is never the system of record. Operations whose
// structural preconditions do not hold against the current state are no-ops,
// so concurrent conflicting edits resolve to "last applied wins" under the
// canonical order.
package model

import (
	"cmp"
	"maps"
	"slices"

	"github.com/roach88/fmsync/internal/ir"
)

// RootID is the id of the root feature every document starts with.
const RootID = "root"

// Group is how a feature's children combine.
type Group string

const (
	GroupAnd         Group = "and"
	GroupOr          Group = "or"
	GroupAlternative Group = "alternative"
)

// Valid reports whether g is a known group type.
func (g Group) Valid() bool {
	switch g {
	case GroupAnd, GroupOr, GroupAlternative:
		return true
	}
	return false
}

// allowsMandatory reports whether children of a group may be mandatory.
// Members of or/alternative groups are selected by the group, never forced.
func (g Group) allowsMandatory() bool {
	return g == GroupAnd
}

// ConstraintKind is the type of a cross-tree constraint.
type ConstraintKind string

const (
	Requires ConstraintKind = "requires"
	Excludes ConstraintKind = "excludes"
)

// Valid reports whether k is a known constraint kind.
func (k ConstraintKind) Valid() bool {
	return k == Requires || k == Excludes
}

// Feature is one node of the feature tree.
type Feature struct {
	ID          string
	Name        string
	Description string
	Parent      string // empty for the root
	Children    []string
	Group       Group
	Mandatory   bool
}

func (f *Feature) clone() *Feature {
	c := *f
	c.Children = slices.Clone(f.Children)
	return &c
}

// Constraint is a cross-tree requires/excludes relation between two features.
type Constraint struct {
	ID   string
	Kind ConstraintKind
	From string
	To   string
}

// Document is the feature tree plus its constraints.
//
// Not safe for concurrent use. The kernel hands out clones to observers.
type Document struct {
	artifact    ir.ArtifactID
	features    map[string]*Feature
	constraints map[string]Constraint
}

// New returns the empty document of artifact: a single root feature named
// after the artifact.
func New(artifact ir.ArtifactID) *Document {
	return &Document{
		artifact: artifact,
		features: map[string]*Feature{
			RootID: {ID: RootID, Name: string(artifact), Group: GroupAnd},
		},
		constraints: make(map[string]Constraint),
	}
}

// Artifact returns the artifact the document belongs to.
func (d *Document) Artifact() ir.ArtifactID {
	return d.artifact
}

// Feature returns a copy of the feature with the given id.
func (d *Document) Feature(id string) (Feature, bool) {
	f, ok := d.features[id]
	if !ok {
		return Feature{}, false
	}
	return *f.clone(), true
}

// Root returns the root feature.
func (d *Document) Root() Feature {
	f, _ := d.Feature(RootID)
	return f
}

// Children returns the children of id in order.
func (d *Document) Children(id string) []Feature {
	f, ok := d.features[id]
	if !ok {
		return nil
	}
	out := make([]Feature, 0, len(f.Children))
	for _, cid := range f.Children {
		out = append(out, *d.features[cid].clone())
	}
	return out
}

// Features returns every feature in depth-first pre-order starting at the root.
func (d *Document) Features() []Feature {
	out := make([]Feature, 0, len(d.features))
	var walk func(id string)
	walk = func(id string) {
		f := d.features[id]
		out = append(out, *f.clone())
		for _, cid := range f.Children {
			walk(cid)
		}
	}
	walk(RootID)
	return out
}

// Len returns the number of features including the root.
func (d *Document) Len() int {
	return len(d.features)
}

// Constraints returns every constraint ordered by id.
func (d *Document) Constraints() []Constraint {
	out := slices.Collect(maps.Values(d.constraints))
	slices.SortFunc(out, func(a, b Constraint) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{
		artifact:    d.artifact,
		features:    make(map[string]*Feature, len(d.features)),
		constraints: maps.Clone(d.constraints),
	}
	for id, f := range d.features {
		c.features[id] = f.clone()
	}
	return c
}

// Equal reports whether two documents are structurally identical,
// including child order.
func (d *Document) Equal(other *Document) bool {
	if d.artifact != other.artifact {
		return false
	}
	if !maps.Equal(d.constraints, other.constraints) {
		return false
	}
	return maps.EqualFunc(d.features, other.features, func(a, b *Feature) bool {
		return a.ID == b.ID &&
			a.Name == b.Name &&
			a.Description == b.Description &&
			a.Parent == b.Parent &&
			a.Group == b.Group &&
			a.Mandatory == b.Mandatory &&
			slices.Equal(a.Children, b.Children)
	})
}

// inSubtree reports whether id is root or a descendant of root.
func (d *Document) inSubtree(root, id string) bool {
	for cur := id; cur != ""; {
		if cur == root {
			return true
		}
		f, ok := d.features[cur]
		if !ok {
			return false
		}
		cur = f.Parent
	}
	return false
}

// subtree returns root and all its descendants.
func (d *Document) subtree(root string) []string {
	ids := []string{root}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, d.features[ids[i]].Children...)
	}
	return ids
}
