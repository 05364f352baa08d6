package model

import (
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// object renders the document as an IRObject. The root carries no parent key
// since canonical JSON has no null.
func (d *Document) object() ir.IRObject {
	features := make(ir.IRObject, len(d.features))
	for id, f := range d.features {
		children := make(ir.IRArray, len(f.Children))
		for i, c := range f.Children {
			children[i] = ir.IRString(c)
		}
		obj := ir.IRObject{
			"name":        ir.IRString(f.Name),
			"description": ir.IRString(f.Description),
			"children":    children,
			"group":       ir.IRString(f.Group),
			"mandatory":   ir.IRBool(f.Mandatory),
		}
		if f.Parent != "" {
			obj["parent"] = ir.IRString(f.Parent)
		}
		features[id] = obj
	}

	constraints := make(ir.IRObject, len(d.constraints))
	for id, c := range d.constraints {
		constraints[id] = ir.IRObject{
			"kind": ir.IRString(c.Kind),
			"from": ir.IRString(c.From),
			"to":   ir.IRString(c.To),
		}
	}

	return ir.IRObject{
		"artifact_id": ir.IRString(d.artifact),
		"features":    features,
		"constraints": constraints,
	}
}

// MarshalJSON renders the document as RFC 8785 canonical JSON.
func (d *Document) MarshalJSON() ([]byte, error) {
	return ir.MarshalCanonical(d.object())
}

// Digest returns the content hash of the canonical JSON. Two documents have
// the same digest iff they are byte-identical.
func (d *Document) Digest() string {
	b, err := d.MarshalJSON()
	if err != nil {
		// Every field is a string, bool or container; canonical encoding
		// cannot fail.
		panic(fmt.Sprintf("model: digest: %v", err))
	}
	return ir.DocumentDigest(b)
}

// Validate checks the structural invariants: single root, every other feature
// listed exactly once by its parent, no cycles, constraint endpoints exist and
// children of or/alternative groups are optional.
func (d *Document) Validate() error {
	root, ok := d.features[RootID]
	if !ok {
		return &InvariantError{Feature: RootID, Reason: "root is missing"}
	}
	if root.Parent != "" {
		return &InvariantError{Feature: RootID, Reason: "root has a parent"}
	}

	for id, f := range d.features {
		if f.ID != id {
			return &InvariantError{Feature: id, Reason: fmt.Sprintf("indexed under wrong id %q", f.ID)}
		}
		if !f.Group.Valid() {
			return &InvariantError{Feature: id, Reason: fmt.Sprintf("unknown group %q", f.Group)}
		}
		if id == RootID {
			continue
		}
		parent, ok := d.features[f.Parent]
		if !ok {
			return &InvariantError{Feature: id, Reason: fmt.Sprintf("parent %q does not exist", f.Parent)}
		}
		count := 0
		for _, c := range parent.Children {
			if c == id {
				count++
			}
		}
		if count != 1 {
			return &InvariantError{Feature: id, Reason: fmt.Sprintf("listed %d times by parent %q", count, f.Parent)}
		}
		if f.Mandatory && !parent.Group.allowsMandatory() {
			return &InvariantError{Feature: id, Reason: fmt.Sprintf("mandatory child of %s group", parent.Group)}
		}
	}

	// Every feature reachable from the root exactly once means no cycles and
	// no orphans.
	visited := map[string]bool{RootID: true}
	for queue := []string{RootID}; len(queue) > 0; queue = queue[1:] {
		id := queue[0]
		for _, c := range d.features[id].Children {
			if cf, ok := d.features[c]; !ok || cf.Parent != id {
				return &InvariantError{Feature: id, Reason: fmt.Sprintf("child %q does not point back", c)}
			}
			if visited[c] {
				return &InvariantError{Feature: c, Reason: "reachable twice"}
			}
			visited[c] = true
			queue = append(queue, c)
		}
	}
	if len(visited) != len(d.features) {
		return &InvariantError{Feature: RootID, Reason: fmt.Sprintf("%d features unreachable from root", len(d.features)-len(visited))}
	}

	for id, c := range d.constraints {
		if _, ok := d.features[c.From]; !ok {
			return &InvariantError{Feature: c.From, Reason: fmt.Sprintf("constraint %q references missing feature", id)}
		}
		if _, ok := d.features[c.To]; !ok {
			return &InvariantError{Feature: c.To, Reason: fmt.Sprintf("constraint %q references missing feature", id)}
		}
	}
	return nil
}
