package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
)

// Model is a compiled feature-model seed.
type Model struct {
	Name        string
	Description string
	Group       model.Group

	// Features in preorder; a parent always precedes its children.
	Features    []Feature
	Constraints []Constraint
}

// Feature is one compiled feature.
type Feature struct {
	ID          string
	Parent      string
	Name        string
	Description string
	Mandatory   bool
	Group       model.Group
	Pos         token.Pos
}

// Constraint is one compiled cross-tree constraint.
type Constraint struct {
	ID   string
	Kind model.ConstraintKind
	From string
	To   string
	Pos  token.Pos
}

// Proposal is one staged edit, in the form kernel.Txn.Propose accepts.
type Proposal struct {
	Kind    ir.OpKind
	Payload ir.IRObject
}

// CompileModel parses the value of a `model` field.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	m, err := CompileModel(v.LookupPath(cue.ParsePath("model")))
func CompileModel(v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if !v.Exists() {
		return nil, &CompileError{Field: "model", Message: "model is required"}
	}

	m := &Model{Group: model.GroupAnd}
	var err error
	if m.Name, _, err = optString(v, "name"); err != nil {
		return nil, err
	}
	if m.Description, _, err = optString(v, "description"); err != nil {
		return nil, err
	}
	if m.Group, err = optGroup(v, "group"); err != nil {
		return nil, err
	}

	c := &compilation{seen: map[string]token.Pos{model.RootID: v.Pos()}}
	if err := c.features(v, model.RootID, m.Group, "features"); err != nil {
		return nil, err
	}
	m.Features = c.out

	if m.Constraints, err = c.constraints(v); err != nil {
		return nil, err
	}
	return m, nil
}

type compilation struct {
	seen map[string]token.Pos
	out  []Feature
}

// features compiles the children declared under v.features, depth first.
func (c *compilation) features(v cue.Value, parent string, group model.Group, path string) error {
	fv := v.LookupPath(cue.ParsePath("features"))
	if !fv.Exists() {
		return nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return formatCUEError(err)
	}

	for iter.Next() {
		id := iter.Label()
		child := iter.Value()
		field := path + "." + id

		if prev, dup := c.seen[id]; dup {
			msg := fmt.Sprintf("duplicate feature id %q", id)
			if prev.IsValid() {
				msg += fmt.Sprintf(" (first declared at %s:%d)", prev.Filename(), prev.Line())
			}
			return &CompileError{Field: field, Message: msg, Pos: child.Pos()}
		}
		c.seen[id] = child.Pos()

		f := Feature{ID: id, Parent: parent, Name: id, Group: model.GroupAnd, Pos: child.Pos()}
		if name, ok, err := optString(child, "name"); err != nil {
			return err
		} else if ok {
			f.Name = name
		}
		if f.Description, _, err = optString(child, "description"); err != nil {
			return err
		}
		if f.Mandatory, err = optBool(child, "mandatory"); err != nil {
			return err
		}
		if f.Group, err = optGroup(child, "group"); err != nil {
			return err
		}
		if f.Mandatory && group != model.GroupAnd {
			return &CompileError{
				Field:   field + ".mandatory",
				Message: fmt.Sprintf("children of an %q group cannot be mandatory", group),
				Pos:     child.Pos(),
			}
		}

		c.out = append(c.out, f)
		if err := c.features(child, id, f.Group, field+".features"); err != nil {
			return err
		}
	}
	return nil
}

// constraints compiles v.constraints. Runs after features so endpoints can
// be checked.
func (c *compilation) constraints(v cue.Value) ([]Constraint, error) {
	cv := v.LookupPath(cue.ParsePath("constraints"))
	if !cv.Exists() {
		return nil, nil
	}
	iter, err := cv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []Constraint
	for iter.Next() {
		id := iter.Label()
		cons := iter.Value()
		field := "constraints." + id

		con := Constraint{ID: id, Pos: cons.Pos()}
		kind, ok, err := optString(cons, "kind")
		if err != nil {
			return nil, err
		}
		con.Kind = model.ConstraintKind(kind)
		if !ok || !con.Kind.Valid() {
			return nil, &CompileError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("kind must be %q or %q", model.Requires, model.Excludes),
				Pos:     cons.Pos(),
			}
		}

		for _, end := range []struct {
			name string
			dst  *string
		}{{"from", &con.From}, {"to", &con.To}} {
			val, ok, err := optString(cons, end.name)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &CompileError{Field: field + "." + end.name, Message: end.name + " is required", Pos: cons.Pos()}
			}
			if _, known := c.seen[val]; !known {
				return nil, &CompileError{
					Field:   field + "." + end.name,
					Message: fmt.Sprintf("unknown feature %q", val),
					Pos:     cons.Pos(),
				}
			}
			*end.dst = val
		}
		if con.From == con.To {
			return nil, &CompileError{Field: field, Message: "constraint endpoints must differ", Pos: cons.Pos()}
		}
		out = append(out, con)
	}
	return out, nil
}

// Proposals renders the model as edits against a fresh document.
func (m *Model) Proposals() []Proposal {
	var out []Proposal
	root := ir.IRString(model.RootID)

	if m.Name != "" {
		out = append(out, Proposal{ir.OpRenameFeature, ir.IRObject{"id": root, "name": ir.IRString(m.Name)}})
	}
	if m.Description != "" {
		out = append(out, Proposal{ir.OpSetDescription, ir.IRObject{"id": root, "description": ir.IRString(m.Description)}})
	}
	if m.Group != "" && m.Group != model.GroupAnd {
		out = append(out, Proposal{ir.OpSetGroup, ir.IRObject{"id": root, "group": ir.IRString(m.Group)}})
	}

	for _, f := range m.Features {
		out = append(out, Proposal{ir.OpAddFeature, ir.IRObject{
			"id":        ir.IRString(f.ID),
			"parent":    ir.IRString(f.Parent),
			"name":      ir.IRString(f.Name),
			"mandatory": ir.IRBool(f.Mandatory),
			"group":     ir.IRString(f.Group),
		}})
		if f.Description != "" {
			out = append(out, Proposal{ir.OpSetDescription, ir.IRObject{
				"id":          ir.IRString(f.ID),
				"description": ir.IRString(f.Description),
			}})
		}
	}

	for _, c := range m.Constraints {
		out = append(out, Proposal{ir.OpAddConstraint, ir.IRObject{
			"id":   ir.IRString(c.ID),
			"kind": ir.IRString(c.Kind),
			"from": ir.IRString(c.From),
			"to":   ir.IRString(c.To),
		}})
	}
	return out
}

func optString(v cue.Value, field string) (string, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", false, nil
	}
	s, err := fv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func optBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func optGroup(v cue.Value, field string) (model.Group, error) {
	s, ok, err := optString(v, field)
	if err != nil || !ok {
		return model.GroupAnd, err
	}
	g := model.Group(s)
	if !g.Valid() {
		return "", &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unknown group %q", s),
			Pos:     v.LookupPath(cue.ParsePath(field)).Pos(),
		}
	}
	return g, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	ce := &CompileError{Field: "cue", Message: firstErr.Error()}
	if positions := errors.Positions(firstErr); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
