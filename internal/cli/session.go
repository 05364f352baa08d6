package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/store"
	"github.com/roach88/fmsync/internal/syncwire"
)

// siteGenerator mints identities for databases that have none yet.
// Tests swap in a kernel.FixedGenerator.
var siteGenerator kernel.SiteGenerator = kernel.UUIDv7Generator{}

// session is one site's kernel restored from its checkpoint database.
type session struct {
	store  *store.Store
	kernel *kernel.Kernel
	sites  map[ir.ArtifactID]ir.SiteID
}

// openSession opens db and restores every artifact into a fresh kernel on
// transport.
//
// A database remembers which site wrote each artifact. site may be empty to
// reuse that identity (or mint one on first use); a non-empty site must
// match it, since two identities writing one checkpoint would reuse sequence
// numbers.
func openSession(ctx context.Context, db, site string, artifacts []ir.ArtifactID, transport syncwire.Transport, logger *slog.Logger) (*session, error) {
	st, err := store.Open(db)
	if err != nil {
		return nil, err
	}

	s := &session{
		store:  st,
		kernel: kernel.New(transport, kernel.WithStore(st), kernel.WithLogger(logger)),
		sites:  make(map[ir.ArtifactID]ir.SiteID, len(artifacts)),
	}
	for _, artifact := range artifacts {
		id, err := resolveSite(ctx, st, artifact, ir.SiteID(site))
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := s.kernel.Initialize(ctx, artifact, id); err != nil {
			st.Close()
			return nil, err
		}
		s.sites[artifact] = id
		logger.Debug("artifact restored", "artifact", artifact, "site", id)
	}
	return s, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// resolveSite returns the identity this database writes artifact under,
// recording it on first use.
func resolveSite(ctx context.Context, st *store.Store, artifact ir.ArtifactID, want ir.SiteID) (ir.SiteID, error) {
	recorded, err := st.ReadSession(ctx, artifact)
	switch {
	case errors.Is(err, store.ErrNoSession):
		if want == "" {
			want = siteGenerator.Generate()
		}
		if err := st.WriteSession(ctx, artifact, want); err != nil {
			return "", err
		}
		return want, nil
	case err != nil:
		return "", err
	case want != "" && want != recorded:
		return "", fmt.Errorf("artifact %s in this database belongs to site %s, not %s", artifact, recorded, want)
	default:
		return recorded, nil
	}
}

// requireDatabase fails unless path exists. Read-only commands use it so a
// typo does not silently create an empty database.
func requireDatabase(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
		return WrapExitError(ExitCommandError, "cannot access database", err)
	}
	return nil
}

// artifactIDs converts flag values.
func artifactIDs(values []string) []ir.ArtifactID {
	out := make([]ir.ArtifactID, len(values))
	for i, v := range values {
		out[i] = ir.ArtifactID(v)
	}
	return out
}
