package causal

import (
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// RegressionError reports a local operation issued out of sequence.
// Local sequencing errors are programming errors in the caller.
type RegressionError struct {
	Site     ir.SiteID
	Expected int64
	Got      int64
}

// Error implements the error interface.
func (e *RegressionError) Error() string {
	return fmt.Sprintf("REGRESSION: site %s expected seq %d, got %d", e.Site, e.Expected, e.Got)
}

// IsRegressionError returns true if err wraps a *RegressionError.
func IsRegressionError(err error) bool {
	var re *RegressionError
	return errors.As(err, &re)
}
