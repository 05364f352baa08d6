package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/compiler"
	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/store"
	"github.com/roach88/fmsync/internal/syncwire"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"digest": "abc"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"digest": "abc"}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E005", "model directory not found", map[string]string{"dir": "x"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E005", resp.Error.Code)
	assert.Equal(t, "model directory not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E001", "import failed", map[string]string{"file": "model.cue"}))
	assert.Contains(t, buf.String(), "Error [E001]: import failed")
	assert.NotContains(t, buf.String(), "Details:", "details only with --verbose")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("E001", "import failed", map[string]string{"file": "model.cue"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}

	formatter.VerboseLog("restored %d operations", 3)
	assert.Empty(t, errOut.String())

	formatter.Verbose = true
	formatter.VerboseLog("restored %d operations", 3)
	assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
	assert.Equal(t, "restored 3 operations\n", errOut.String())
}

func TestExitError(t *testing.T) {
	base := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open database", base)

	assert.Equal(t, "failed to open database: disk full", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, ExitFailure, GetExitCode(base))
	assert.Equal(t, "projections diverged", NewExitError(ExitFailure, "projections diverged").Error())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&compiler.LoadError{Code: compiler.ErrCodeMissingModel, Message: "no model"}, "E101"},
		{&model.PreconditionError{Reason: "feature does not exist"}, "PRECONDITION_FAILED"},
		{&syncwire.ValidationError{Field: "type", Reason: "unknown"}, "VALIDATION_FAILED"},
		{fmt.Errorf("run: %w", &syncwire.TransportError{Op: "send", Err: errors.New("down")}), "TRANSPORT_FAILED"},
		{&kernel.RuntimeError{Code: kernel.ErrCodeCheckpointFailed}, "CHECKPOINT_FAILED"},
		{&store.DivergentOperationError{Artifact: "fm1", Site: "A", Seq: 1}, "DIVERGENT_OPERATION"},
		{errors.New("plain"), ErrCodeGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), "%v", tt.err)
	}
}
