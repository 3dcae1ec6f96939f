package state

import (
	"errors"
	"time"

	"github.com/hybrid-md/controller/internal/comparison"
)

// ErrNoState is returned when a seed has no persisted carry state.
var ErrNoState = errors.New("no carry state")

// #region phase
// Phase names a protocol entry point.
type Phase string

const (
	PhaseInitialise Phase = "initialise"
	PhasePreStep    Phase = "pre-step"
	PhasePostStep   Phase = "post-step"
)

// Valid reports whether p is one of the three protocol phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInitialise, PhasePreStep, PhasePostStep:
		return true
	}
	return false
}

// #endregion phase

// #region carry-state
// CarryState is the per-run state handed from one protocol invocation to the next.
// Every persisted CarryState is an immutable version; the active pointer of a
// seed names the current one.
type CarryState struct {
	VersionID string
	ParentID  string
	Seed      string
	Iteration int
	Phase     Phase // phase that wrote this version
	CreatedAt time.Time

	CurrentCheckInterval int
	NextIsPreStep        bool
	DoComparison         bool
	DoUpdateModel        bool
}

// Reset clears the per-step flags.
func (c *CarryState) Reset() {
	c.DoComparison = false
	c.DoUpdateModel = false
}

// #endregion carry-state

// #region sample-record
// SampleRecord is a persisted comparison step.
type SampleRecord struct {
	Seed      string
	Iteration int
	VersionID string
	Sample    comparison.Sample
	Within    bool
	CreatedAt time.Time
}

// #endregion sample-record

// #region post-step-commit
// PostStepCommit bundles everything post-step persists in one transaction.
type PostStepCommit struct {
	Carry      CarryState
	Sample     *comparison.Sample // nil when no comparison was made
	Within     bool
	Cumulative *comparison.Cumulative
}

// #endregion post-step-commit
