package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fmsync/internal/ir"
)

// Scenario defines a multi-site convergence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Artifact is the feature-model document every site joins.
	// Defaults to "fm1".
	Artifact string `yaml:"artifact,omitempty"`

	// Sites lists participating site identities, in a fixed order.
	Sites []string `yaml:"sites"`

	// Seed is an optional directory holding a CUE feature-model seed.
	// The first site commits it as one run and every site receives it before
	// the steps start. Relative to the scenario file.
	Seed string `yaml:"seed,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Run       *RunStep     `yaml:"run,omitempty"`
	Deliver   *DeliverStep `yaml:"deliver,omitempty"`
	Settle    *SettleStep  `yaml:"settle,omitempty"`
	Outage    *OutageStep  `yaml:"outage,omitempty"`
	Reconnect string       `yaml:"reconnect,omitempty"`
	Receive   *ReceiveStep `yaml:"receive,omitempty"`

	// Check evaluates assertions mid-scenario.
	Check []Assertion `yaml:"check,omitempty"`
}

// RunStep is one kernel run: every op is proposed in a single transaction.
type RunStep struct {
	Site        string   `yaml:"site"`
	Ops         []OpStep `yaml:"ops"`
	ExpectError string   `yaml:"expect_error,omitempty"`
}

// OpStep is one proposed edit.
type OpStep struct {
	Kind    string         `yaml:"kind"`
	Payload map[string]any `yaml:"payload"`
}

// DeliverStep hands messages queued from one site to another.
type DeliverStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Order is "fifo" (default) or "reverse". Ignored when Indices is set.
	Order string `yaml:"order,omitempty"`

	// Indices selects queued messages by position, in delivery order.
	// Unselected messages stay queued for a later step.
	Indices []int `yaml:"indices,omitempty"`
}

// SettleStep delivers until quiescent.
type SettleStep struct {
	// MaxRounds bounds the number of delivery rounds. Defaults to 16.
	MaxRounds int `yaml:"max_rounds,omitempty"`
}

// OutageStep takes a site's transport down or brings it back.
type OutageStep struct {
	Site string `yaml:"site"`
	Down bool   `yaml:"down"`
}

// ReceiveStep injects a raw message at a site.
type ReceiveStep struct {
	Site        string `yaml:"site"`
	Message     string `yaml:"message"`
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Site the assertion inspects. Empty means every site.
	Site string `yaml:"site,omitempty"`

	// ID of the feature (feature, absent, children).
	ID string `yaml:"id,omitempty"`

	// Expect holds expected feature fields (feature). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Children is the expected child order (children).
	Children []string `yaml:"children,omitempty"`

	// Count is the expected counter value.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged       = "converged"
	AssertValid           = "valid"
	AssertFeature         = "feature"
	AssertAbsent          = "absent"
	AssertChildren        = "children"
	AssertConstraintCount = "constraint_count"
	AssertBuffered        = "buffered"
	AssertLogLength       = "log_length"
	AssertUndelivered     = "undelivered"
	AssertRestorable      = "restorable"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative seed path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Seed != "" && !filepath.IsAbs(scenario.Seed) {
		scenario.Seed = filepath.Join(filepath.Dir(path), scenario.Seed)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Artifact == "" {
		scenario.Artifact = "fm1"
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)

	scenarios := make([]*Scenario, 0, len(matches))
	for _, path := range matches {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Sites) == 0 {
		return fmt.Errorf("sites list is required and must be non-empty")
	}

	sites := make(map[string]bool)
	for i, site := range s.Sites {
		if site == "" {
			return fmt.Errorf("sites[%d]: empty site id", i)
		}
		if sites[site] {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, site)
		}
		sites[site] = true
	}
	known := func(field, site string) error {
		if !sites[site] {
			return fmt.Errorf("%s: unknown site %q", field, site)
		}
		return nil
	}

	if len(s.Steps) == 0 && s.Seed == "" {
		return fmt.Errorf("steps list is required unless a seed is given")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step, known); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, known func(field, site string) error) error {
	field := fmt.Sprintf("steps[%d]", i)

	set := 0
	for _, present := range []bool{
		step.Run != nil, step.Deliver != nil, step.Settle != nil,
		step.Outage != nil, step.Reconnect != "", step.Receive != nil,
		len(step.Check) > 0,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of run, deliver, settle, outage, reconnect, receive, check is required", field)
	}

	switch {
	case step.Run != nil:
		if err := known(field+".run.site", step.Run.Site); err != nil {
			return err
		}
		if len(step.Run.Ops) == 0 {
			return fmt.Errorf("%s.run: ops list is required", field)
		}
		for j, op := range step.Run.Ops {
			if !ir.OpKind(op.Kind).Valid() {
				return fmt.Errorf("%s.run.ops[%d]: unknown kind %q", field, j, op.Kind)
			}
		}
	case step.Deliver != nil:
		if err := known(field+".deliver.from", step.Deliver.From); err != nil {
			return err
		}
		if err := known(field+".deliver.to", step.Deliver.To); err != nil {
			return err
		}
		if step.Deliver.From == step.Deliver.To {
			return fmt.Errorf("%s.deliver: from and to must differ", field)
		}
		switch step.Deliver.Order {
		case "", "fifo", "reverse":
		default:
			return fmt.Errorf("%s.deliver: unknown order %q", field, step.Deliver.Order)
		}
	case step.Outage != nil:
		return known(field+".outage.site", step.Outage.Site)
	case step.Reconnect != "":
		return known(field+".reconnect", step.Reconnect)
	case step.Receive != nil:
		return known(field+".receive.site", step.Receive.Site)
	case len(step.Check) > 0:
		for j, a := range step.Check {
			if err := validateAssertion(j, a, known); err != nil {
				return fmt.Errorf("%s.check: %w", field, err)
			}
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion, known func(field, site string) error) error {
	field := fmt.Sprintf("assertions[%d]", i)
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", field)
	}
	if a.Site != "" {
		if err := known(field+".site", a.Site); err != nil {
			return err
		}
	}

	switch a.Type {
	case AssertConverged, AssertValid, AssertRestorable:
	case AssertFeature:
		if a.ID == "" || len(a.Expect) == 0 {
			return fmt.Errorf("%s: id and expect are required for feature", field)
		}
	case AssertAbsent, AssertChildren:
		if a.ID == "" {
			return fmt.Errorf("%s: id is required for %s", field, a.Type)
		}
	case AssertConstraintCount, AssertBuffered, AssertLogLength, AssertUndelivered:
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative", field)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", field, a.Type)
	}
	return nil
}
