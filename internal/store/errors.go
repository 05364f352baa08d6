package store

import (
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// ErrNoSession is returned by ReadSession when no site identity has been
// recorded for an artifact.
var ErrNoSession = errors.New("no session recorded")

// DivergentOperationError reports two different operations stored under the
// same (artifact, site, seq). This means a site reused a sequence number and
// the replicas can no longer converge.
type DivergentOperationError struct {
	Artifact ir.ArtifactID
	Site     ir.SiteID
	Seq      int64
	Stored   string
	Incoming string
}

// Error implements the error interface.
func (e *DivergentOperationError) Error() string {
	return fmt.Sprintf("DIVERGENT_OPERATION: %s/%s#%d stored as %s, incoming %s",
		e.Artifact, e.Site, e.Seq, short(e.Stored), short(e.Incoming))
}

// IsDivergentOperation returns true if err wraps a *DivergentOperationError.
func IsDivergentOperation(err error) bool {
	var de *DivergentOperationError
	return errors.As(err, &de)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
