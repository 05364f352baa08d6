package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/syncwire"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Site     string // Site inspected, empty for cross-site assertions
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	if e.Site != "" {
		fmt.Fprintf(&buf, "Assertion failed: %s at site %s\n", e.Type, e.Site)
	} else {
		fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	}
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		for _, err := range h.evaluate(ctx, a) {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// evaluate checks a at its site, or at every site when none is named.
func (h *Harness) evaluate(ctx context.Context, a Assertion) []error {
	if a.Type == AssertConverged {
		if err := h.assertConverged(); err != nil {
			return []error{err}
		}
		return nil
	}

	sites := h.scenario.Sites
	if a.Site != "" {
		sites = []string{a.Site}
	}

	var errs []error
	for _, id := range sites {
		if err := h.evaluateAt(ctx, h.sites[id], a); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (h *Harness) evaluateAt(ctx context.Context, s *site, a Assertion) error {
	doc, err := s.kernel.Snapshot(h.artifact)
	if err != nil {
		return err
	}
	fail := func(expected, actual string, args ...any) error {
		return &AssertionError{
			Type:     a.Type,
			Site:     string(s.id),
			Expected: expected,
			Actual:   fmt.Sprintf(actual, args...),
		}
	}

	switch a.Type {
	case AssertValid:
		if err := doc.Validate(); err != nil {
			return fail("document satisfies tree invariants", "%v", err)
		}

	case AssertFeature:
		f, ok := doc.Feature(a.ID)
		if !ok {
			return fail(fmt.Sprintf("feature %s exists", a.ID), "absent")
		}
		actual := map[string]any{
			"name":        f.Name,
			"description": f.Description,
			"parent":      f.Parent,
			"group":       string(f.Group),
			"mandatory":   f.Mandatory,
		}
		for _, key := range sortedKeys(a.Expect) {
			got, known := actual[key]
			if !known {
				return fail(fmt.Sprintf("field %q", key), "unknown feature field")
			}
			if fmt.Sprint(got) != fmt.Sprint(a.Expect[key]) {
				return fail(fmt.Sprintf("%s.%s = %v", a.ID, key, a.Expect[key]), "%v", got)
			}
		}

	case AssertAbsent:
		if _, ok := doc.Feature(a.ID); ok {
			return fail(fmt.Sprintf("feature %s absent", a.ID), "present")
		}

	case AssertChildren:
		var got []string
		for _, c := range doc.Children(a.ID) {
			got = append(got, c.ID)
		}
		if !slices.Equal(got, a.Children) {
			return fail(fmt.Sprintf("children of %s = %v", a.ID, a.Children), "%v", got)
		}

	case AssertConstraintCount:
		if n := len(doc.Constraints()); n != a.Count {
			return fail(fmt.Sprintf("%d constraints", a.Count), "%d", n)
		}

	case AssertBuffered:
		n, err := s.kernel.Buffered(h.artifact)
		if err != nil {
			return err
		}
		if n != a.Count {
			return fail(fmt.Sprintf("%d buffered operations", a.Count), "%d", n)
		}

	case AssertLogLength:
		log, err := s.kernel.Log(h.artifact)
		if err != nil {
			return err
		}
		if len(log) != a.Count {
			return fail(fmt.Sprintf("log length %d", a.Count), "%d", len(log))
		}

	case AssertUndelivered:
		n, err := s.kernel.Undelivered(h.artifact)
		if err != nil {
			return err
		}
		if n != a.Count {
			return fail(fmt.Sprintf("%d undelivered operations", a.Count), "%d", n)
		}

	case AssertRestorable:
		restored := kernel.New(syncwire.Discard{}, kernel.WithStore(s.store), kernel.WithLogger(h.logger))
		if err := restored.Initialize(ctx, h.artifact, s.id); err != nil {
			return fail("checkpoint restores", "%v", err)
		}
		again, err := restored.Snapshot(h.artifact)
		if err != nil {
			return err
		}
		if again.Digest() != doc.Digest() {
			return fail("restored digest "+short(doc.Digest()), "%s", short(again.Digest()))
		}
	}
	return nil
}

// assertConverged compares every site's digest to the first site's.
func (h *Harness) assertConverged() error {
	var (
		first  string
		digest string
		diff   []string
	)
	for _, id := range h.scenario.Sites {
		doc, err := h.sites[id].kernel.Snapshot(h.artifact)
		if err != nil {
			return err
		}
		d := doc.Digest()
		if first == "" {
			first, digest = id, d
			continue
		}
		if d != digest {
			diff = append(diff, fmt.Sprintf("%s=%s", id, short(d)))
		}
	}
	if len(diff) > 0 {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: fmt.Sprintf("every site at %s=%s", first, short(digest)),
			Actual:   strings.Join(diff, ", "),
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
