package compiler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/testutil"
)

func loadCode(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

func TestLoadDir_Car(t *testing.T) {
	m, err := LoadDir("testdata/car")
	require.NoError(t, err)

	assert.Equal(t, "Car", m.Name)
	assert.Len(t, m.Features, 7)
	assert.Len(t, m.Constraints, 2)
	assert.Empty(t, AnalyzeConstraints(m))
}

func TestLoadDir_Errors(t *testing.T) {
	_, err := LoadDir("testdata/missing")
	assert.Equal(t, ErrCodeNotFound, loadCode(err))

	_, err = LoadDir("testdata/car/model.cue")
	assert.Equal(t, ErrCodeNotFound, loadCode(err))

	_, err = LoadDir("testdata/empty")
	assert.Equal(t, ErrCodeNoFiles, loadCode(err))

	_, err = LoadDir("testdata/nomodel")
	assert.Equal(t, ErrCodeMissingModel, loadCode(err))
}

func TestLoadSource_InvalidModelCarriesPosition(t *testing.T) {
	_, err := LoadSource("seed.cue", []byte("model: features: A: group: \"xor\"\n"))
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeInvalidModel, le.Code)
	assert.Contains(t, err.Error(), "seed.cue")
}

func TestLoadSource_SyntaxError(t *testing.T) {
	_, err := LoadSource("seed.cue", []byte("model: {"))
	assert.Equal(t, ErrCodeBuildFailed, loadCode(err))
}

func TestProposals_ApplyToKernel(t *testing.T) {
	m, err := LoadDir("testdata/car")
	require.NoError(t, err)

	ctx := context.Background()
	k := kernel.New(testutil.NewRecordingTransport(), kernel.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, k.Initialize(ctx, "car", "A"))

	require.NoError(t, k.Apply(ctx, "car", func(txn *kernel.Txn) error {
		for _, p := range m.Proposals() {
			if err := txn.Propose(p.Kind, p.Payload); err != nil {
				return err
			}
		}
		return nil
	}))

	doc, err := k.Snapshot("car")
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	assert.Equal(t, "Car", doc.Root().Name)
	assert.Equal(t, "Configurable car", doc.Root().Description)
	assert.Equal(t, 8, doc.Len())

	electric, ok := doc.Feature("Electric")
	require.True(t, ok)
	assert.Equal(t, "Electric motor", electric.Name)
	assert.Equal(t, "Engine", electric.Parent)
	assert.Len(t, doc.Constraints(), 2)
}
