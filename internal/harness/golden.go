package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fmsync/internal/ir"
)

// Snapshot renders the golden form of a scenario result as canonical JSON:
// the step trace, every site's digest and the first site's document.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	var document ir.IRObject
	if err := json.Unmarshal(result.Document, &document); err != nil {
		return nil, fmt.Errorf("snapshot: decode document: %w", err)
	}

	sites := make(ir.IRArray, len(scenario.Sites))
	for i, s := range scenario.Sites {
		sites[i] = ir.IRString(s)
	}
	digests := make(ir.IRObject, len(result.Digests))
	for site, d := range result.Digests {
		digests[site] = ir.IRString(d)
	}

	trace := make(ir.IRArray, len(result.Trace))
	for i, ev := range result.Trace {
		obj := ir.IRObject{
			"step": ir.IRInt(ev.Step),
			"type": ir.IRString(ev.Type),
		}
		if ev.Site != "" {
			obj["site"] = ir.IRString(ev.Site)
		}
		if ev.From != "" {
			obj["from"] = ir.IRString(ev.From)
		}
		if len(ev.Messages) > 0 {
			msgs := make(ir.IRArray, len(ev.Messages))
			for j, m := range ev.Messages {
				msgs[j] = ir.IRString(m)
			}
			obj["messages"] = msgs
		}
		if ev.Error != "" {
			obj["error"] = ir.IRString(ev.Error)
		}
		trace[i] = obj
	}

	return ir.MarshalCanonical(ir.IRObject{
		"scenario": ir.IRString(scenario.Name),
		"sites":    sites,
		"digests":  digests,
		"document": document,
		"trace":    trace,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snapshot)
	return nil
}
