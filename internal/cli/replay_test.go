package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/store"
)

func TestReplayMissingDatabaseFlag(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewReplayCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{}) // Missing --db flag

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplayNonExistentDatabase(t *testing.T) {
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "missing.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestReplayEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Create empty database
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	st.Close()

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "No artifacts found in database.")
}

func TestReplayImportedArtifact(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	importCar(t, dbPath, "--site", "laptop-1")

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "Replay Summary: 1 artifact(s)")
	assert.Contains(t, output, "✓ Artifact: car")
	assert.Contains(t, output, "Site: laptop-1")
	assert.Contains(t, output, "Operations: 12, features: 8")
	assert.Contains(t, output, "✓ All artifacts converged")
	assert.NotContains(t, output, "Electric motor", "tree only printed with --verbose")
}

func TestReplayVerbosePrintsTree(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	importCar(t, dbPath, "--site", "laptop-1")

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "  Car (root)\n")
	assert.Contains(t, output, "    Engine (Engine) [mandatory, alternative]\n")
	assert.Contains(t, output, "      Electric motor (Electric)\n")
	assert.Contains(t, output, "    Extras (Extras) [or]\n")
}

func TestReplayJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	importCar(t, dbPath, "--site", "laptop-1")

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--artifact", "car"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllConverged)
	require.Len(t, resp.Data.Artifacts, 1)

	a := resp.Data.Artifacts[0]
	assert.Equal(t, "car", a.Artifact)
	assert.True(t, a.Converged)
	assert.Empty(t, a.Problem)
	assert.Len(t, a.Digest, 64)

	features, ok := a.Document["features"].(ir.IRObject)
	require.True(t, ok, "document carries its features")
	assert.Len(t, features, 8)
}

func TestReplayDigestMatchesImport(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	importBuf := &bytes.Buffer{}
	importCmd := NewImportCommand(&RootOptions{Format: "json"})
	importCmd.SetOut(importBuf)
	importCmd.SetArgs([]string{"--db", dbPath, "--artifact", "car", "--site", "laptop-1", carModel})
	require.NoError(t, importCmd.Execute())

	var imported struct {
		Data ImportResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(importBuf.Bytes(), &imported))

	replayBuf := &bytes.Buffer{}
	replayCmd := NewReplayCommand(&RootOptions{Format: "json"})
	replayCmd.SetOut(replayBuf)
	replayCmd.SetArgs([]string{"--db", dbPath})
	require.NoError(t, replayCmd.Execute())

	var replayed struct {
		Data ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(replayBuf.Bytes(), &replayed))
	require.Len(t, replayed.Data.Artifacts, 1)
	assert.Equal(t, imported.Data.Digest, replayed.Data.Artifacts[0].Digest)
}

func TestReplayUnknownArtifact(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	importCar(t, dbPath, "--site", "laptop-1")

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--artifact", "truck"})

	// An artifact with no operations projects to the initial document.
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Operations: 0, features: 1")
}

func TestReplayHelpText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "reverse arrival")
	assert.Contains(t, output, "--db")
	assert.Contains(t, output, "--artifact")
}
