package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fmsync/internal/ir"
)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// rename builds a RenameFeature operation whose own-site dependency is seq-1.
func rename(artifact ir.ArtifactID, site ir.SiteID, seq int64, name string) ir.Operation {
	return ir.Operation{
		ArtifactID: artifact,
		SiteID:     site,
		Seq:        seq,
		Kind:       ir.OpRenameFeature,
		Payload:    ir.IRObject{"id": ir.IRString("root"), "name": ir.IRString(name)},
		DependsOn:  ir.Context{site: seq - 1},
	}
}
