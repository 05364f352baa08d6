package model

import (
	"fmt"
	"slices"

	"github.com/roach88/fmsync/internal/ir"
)

// edit is a decoded operation payload. Only the fields relevant to kind are set.
type edit struct {
	kind        ir.OpKind
	id          string
	parent      string
	name        string
	description string
	group       Group
	mandatory   bool
	constraint  ConstraintKind
	from        string
	to          string
}

// decode extracts the payload fields required by op.Kind.
func decode(kind ir.OpKind, payload ir.IRObject) (edit, error) {
	e := edit{kind: kind, group: GroupAnd}

	str := func(key string, required, nonEmpty bool) (string, error) {
		raw, present := payload[key]
		if !present {
			if required {
				return "", fmt.Errorf("missing field %q", key)
			}
			return "", nil
		}
		s, ok := raw.(ir.IRString)
		if !ok {
			return "", fmt.Errorf("field %q must be a string, got %T", key, raw)
		}
		if nonEmpty && s == "" {
			return "", fmt.Errorf("field %q must not be empty", key)
		}
		return string(s), nil
	}

	var err error
	if e.id, err = str("id", true, true); err != nil {
		return e, err
	}

	switch kind {
	case ir.OpAddFeature:
		if e.parent, err = str("parent", true, true); err != nil {
			return e, err
		}
		if e.name, err = str("name", true, true); err != nil {
			return e, err
		}
		if raw, ok := payload["mandatory"]; ok {
			b, isBool := raw.(ir.IRBool)
			if !isBool {
				return e, fmt.Errorf("field %q must be a bool, got %T", "mandatory", raw)
			}
			e.mandatory = bool(b)
		}
		g, err := str("group", false, true)
		if err != nil {
			return e, err
		}
		if g != "" {
			e.group = Group(g)
		}
		if !e.group.Valid() {
			return e, fmt.Errorf("unknown group %q", g)
		}

	case ir.OpRemoveFeature, ir.OpRemoveConstraint:
		// id only

	case ir.OpRenameFeature:
		if e.name, err = str("name", true, true); err != nil {
			return e, err
		}

	case ir.OpSetDescription:
		if e.description, err = str("description", true, false); err != nil {
			return e, err
		}

	case ir.OpReparent:
		if e.parent, err = str("parent", true, true); err != nil {
			return e, err
		}

	case ir.OpAddConstraint:
		k, err := str("kind", true, true)
		if err != nil {
			return e, err
		}
		e.constraint = ConstraintKind(k)
		if !e.constraint.Valid() {
			return e, fmt.Errorf("unknown constraint kind %q", k)
		}
		if e.from, err = str("from", true, true); err != nil {
			return e, err
		}
		if e.to, err = str("to", true, true); err != nil {
			return e, err
		}

	case ir.OpSetGroup:
		g, err := str("group", true, true)
		if err != nil {
			return e, err
		}
		e.group = Group(g)
		if !e.group.Valid() {
			return e, fmt.Errorf("unknown group %q", g)
		}

	default:
		return e, fmt.Errorf("unknown operation kind %q", kind)
	}
	return e, nil
}

// ValidatePayload checks that payload carries the fields kind requires,
// independent of any document state.
func ValidatePayload(kind ir.OpKind, payload ir.IRObject) error {
	_, err := decode(kind, payload)
	return err
}

// Check reports whether op would apply to the current document.
func (d *Document) Check(op ir.Operation) error {
	if op.ArtifactID != d.artifact {
		return &PreconditionError{Kind: op.Kind, Reason: fmt.Sprintf("operation belongs to artifact %q", op.ArtifactID)}
	}
	e, err := decode(op.Kind, op.Payload)
	if err != nil {
		return &PreconditionError{Kind: op.Kind, Target: e.id, Reason: err.Error()}
	}
	return d.check(e)
}

// Apply patches the document with op. It reports whether op was applied;
// false means a precondition failed and the document is unchanged.
func (d *Document) Apply(op ir.Operation) bool {
	if d.Check(op) != nil {
		return false
	}
	e, _ := decode(op.Kind, op.Payload)
	d.apply(e)
	return true
}

func (d *Document) check(e edit) error {
	fail := func(format string, args ...any) error {
		return &PreconditionError{Kind: e.kind, Target: e.id, Reason: fmt.Sprintf(format, args...)}
	}
	mustExist := func(id string) error {
		if _, ok := d.features[id]; !ok {
			return fail("feature %q does not exist", id)
		}
		return nil
	}

	switch e.kind {
	case ir.OpAddFeature:
		if _, ok := d.features[e.id]; ok {
			return fail("feature already exists")
		}
		return mustExist(e.parent)

	case ir.OpRemoveFeature:
		if e.id == RootID {
			return fail("the root cannot be removed")
		}
		return mustExist(e.id)

	case ir.OpRenameFeature, ir.OpSetDescription, ir.OpSetGroup:
		return mustExist(e.id)

	case ir.OpReparent:
		if e.id == RootID {
			return fail("the root cannot be moved")
		}
		if err := mustExist(e.id); err != nil {
			return err
		}
		if err := mustExist(e.parent); err != nil {
			return err
		}
		if d.inSubtree(e.id, e.parent) {
			return fail("moving under %q would create a cycle", e.parent)
		}
		return nil

	case ir.OpAddConstraint:
		if _, ok := d.constraints[e.id]; ok {
			return fail("constraint already exists")
		}
		if e.from == e.to {
			return fail("constraint endpoints must differ")
		}
		if err := mustExist(e.from); err != nil {
			return err
		}
		return mustExist(e.to)

	case ir.OpRemoveConstraint:
		if _, ok := d.constraints[e.id]; !ok {
			return fail("constraint does not exist")
		}
		return nil
	}
	return fail("unknown operation kind")
}

// apply mutates the document. Preconditions must already hold.
func (d *Document) apply(e edit) {
	switch e.kind {
	case ir.OpAddFeature:
		parent := d.features[e.parent]
		d.features[e.id] = &Feature{
			ID:        e.id,
			Name:      e.name,
			Parent:    e.parent,
			Group:     e.group,
			Mandatory: e.mandatory && parent.Group.allowsMandatory(),
		}
		parent.Children = append(parent.Children, e.id)

	case ir.OpRemoveFeature:
		removed := d.subtree(e.id)
		parent := d.features[d.features[e.id].Parent]
		parent.Children = slices.DeleteFunc(parent.Children, func(c string) bool { return c == e.id })
		for _, id := range removed {
			delete(d.features, id)
		}
		for cid, c := range d.constraints {
			if slices.Contains(removed, c.From) || slices.Contains(removed, c.To) {
				delete(d.constraints, cid)
			}
		}

	case ir.OpRenameFeature:
		d.features[e.id].Name = e.name

	case ir.OpSetDescription:
		d.features[e.id].Description = e.description

	case ir.OpReparent:
		f := d.features[e.id]
		if f.Parent == e.parent {
			return
		}
		old := d.features[f.Parent]
		old.Children = slices.DeleteFunc(old.Children, func(c string) bool { return c == e.id })
		next := d.features[e.parent]
		next.Children = append(next.Children, e.id)
		f.Parent = e.parent
		if !next.Group.allowsMandatory() {
			f.Mandatory = false
		}

	case ir.OpAddConstraint:
		d.constraints[e.id] = Constraint{ID: e.id, Kind: e.constraint, From: e.from, To: e.to}

	case ir.OpRemoveConstraint:
		delete(d.constraints, e.id)

	case ir.OpSetGroup:
		f := d.features[e.id]
		f.Group = e.group
		if !e.group.allowsMandatory() {
			for _, cid := range f.Children {
				d.features[cid].Mandatory = false
			}
		}
	}
}
