package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one site adds a feature
sites: [A]
steps:
  - run:
      site: A
      ops:
        - kind: AddFeature
          payload: {id: F1, parent: root, name: F1}
assertions:
  - type: valid
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "fm1", s.Artifact, "artifact defaults to fm1")
	assert.Equal(t, []string{"A"}, s.Sites)
	require.Len(t, s.Steps, 1)
	require.NotNil(t, s.Steps[0].Run)
	assert.Equal(t, "AddFeature", s.Steps[0].Run.Ops[0].Kind)
	assert.Equal(t, "root", s.Steps[0].Run.Ops[0].Payload["parent"])
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: minimalScenario + "colour: blue\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: d\nsites: [A]\nsteps: [{reconnect: A}]\nassertions: [{type: valid}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nsites: [A]\nsteps: [{reconnect: A}]\nassertions: [{type: valid}]\n",
			want: "description is required",
		},
		{
			name: "no sites",
			yaml: "name: n\ndescription: d\nsites: []\nsteps: [{reconnect: A}]\nassertions: [{type: valid}]\n",
			want: "sites list is required",
		},
		{
			name: "duplicate site",
			yaml: "name: n\ndescription: d\nsites: [A, A]\nsteps: [{reconnect: A}]\nassertions: [{type: valid}]\n",
			want: `duplicate site "A"`,
		},
		{
			name: "no steps and no seed",
			yaml: "name: n\ndescription: d\nsites: [A]\nassertions: [{type: valid}]\n",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nsites: [A]\nsteps: [{reconnect: A, settle: {}}]\nassertions: [{type: valid}]\n",
			want: "exactly one of",
		},
		{
			name: "unknown site in step",
			yaml: "name: n\ndescription: d\nsites: [A]\nsteps: [{reconnect: Z}]\nassertions: [{type: valid}]\n",
			want: `unknown site "Z"`,
		},
		{
			name: "no assertions",
			yaml: "name: n\ndescription: d\nsites: [A]\nsteps: [{reconnect: A}]\n",
			want: "assertions list is required",
		},
		{
			name: "unknown assertion type",
			yaml: "name: n\ndescription: d\nsites: [A]\nsteps: [{reconnect: A}]\nassertions: [{type: shiny}]\n",
			want: "shiny",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_CheckStepValidated(t *testing.T) {
	yaml := `
name: n
description: d
sites: [A]
steps:
  - check:
      - {type: buffered, site: Q, count: 0}
assertions:
  - type: valid
`
	_, err := ParseScenario([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0].check")
}

func TestLoadScenario_ResolvesSeedRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seeded.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: seeded
description: seeded from a model
sites: [A]
seed: models/car
assertions:
  - type: valid
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "models", "car"), s.Seed)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadDir_SortedByFileName(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"bogus_message_rejected",
		"concurrent_add_and_describe",
		"out_of_order_delivery",
	}, names)
}
