package refit

import (
	"context"
	"fmt"
)

// #region request
// Request describes one refit of the surrogate model.
type Request struct {
	ID           string
	Seed         string
	Iteration    int
	Dir          string   // run directory
	ModelName    string   // artifact the trainer must (re)write
	FunctionName string   // optional trainer-side entry point
	PreviousData []string // training data from earlier runs
	CurrentData  string   // reference data of the current run
	Bootstrap    bool     // first fit at the end of the bootstrap window
}

// #endregion request

// #region refitter
// Refitter retrains the surrogate. Implementations block until the new model
// artifact is in place or return an error.
type Refitter interface {
	Refit(ctx context.Context, req Request) error
}

// #endregion refitter

// #region failure
// Failure wraps an error returned by the training collaborator.
type Failure struct {
	Seed      string
	Iteration int
	Err       error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("refit of %s at iteration %d failed: %v", e.Seed, e.Iteration, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }

// #endregion failure

// ShouldRefit reports whether a compared step warrants a refit.
func ShouldRefit(withinTolerance, canUpdate bool) bool {
	return !withinTolerance && canUpdate
}
