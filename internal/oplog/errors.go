package oplog

import (
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// DuplicateOperationError reports an append of an already-logged (site, seq).
//
// For local operations this is a programming error. Remote duplicates are
// filtered by the causal context before they reach the log.
type DuplicateOperationError struct {
	Artifact ir.ArtifactID
	Site     ir.SiteID
	Seq      int64
}

// Error implements the error interface.
func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("DUPLICATE_OPERATION: %s already holds %s#%d", e.Artifact, e.Site, e.Seq)
}

// IsDuplicateOperation returns true if err wraps a *DuplicateOperationError.
func IsDuplicateOperation(err error) bool {
	var de *DuplicateOperationError
	return errors.As(err, &de)
}
