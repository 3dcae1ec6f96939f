package sampling

import (
	"fmt"
	"math"

	"github.com/hybrid-md/controller/internal/config"
)

// #region step-kind
// StepKind classifies what an iteration needs from the evaluators.
type StepKind int

const (
	SurrogateOnly StepKind = iota
	ScheduledReference
	ForcedReference
)

func (k StepKind) String() string {
	switch k {
	case SurrogateOnly:
		return "surrogate-only"
	case ScheduledReference:
		return "scheduled-reference"
	case ForcedReference:
		return "forced-reference"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// RunsReference reports whether the reference evaluator runs on this step.
func (k StepKind) RunsReference() bool {
	return k != SurrogateOnly
}

// #endregion step-kind

// #region policy
// Outcome is what post-step learned about the step that just finished.
type Outcome struct {
	Compared bool // a surrogate-vs-reference comparison was made
	Within   bool // the comparison was within tolerance
}

// Policy decides which iterations need the reference evaluator.
// The live interval is owned by the caller's persisted state; policies are stateless.
type Policy interface {
	InitialInterval() int
	StepKind(iteration, interval int) StepKind
	PostStep(interval int, outcome Outcome) int
}

// New builds the policy described by the settings, with the bootstrap window applied.
func New(s config.Settings) Policy {
	var p Policy
	if s.Adaptive != nil {
		p = Adaptive{NMin: s.Adaptive.NMin, NMax: s.Adaptive.NMax, Factor: s.Adaptive.Factor}
	} else {
		p = Fixed{Interval: s.CheckInterval}
	}
	return Bootstrap{Policy: p, NumInitialSteps: s.NumInitialSteps}
}

func scheduled(iteration, interval int) StepKind {
	if interval < 1 {
		interval = 1
	}
	if iteration%interval == 0 {
		return ScheduledReference
	}
	return SurrogateOnly
}

// #endregion policy

// #region fixed
// Fixed checks every Interval iterations and never changes the interval.
type Fixed struct {
	Interval int
}

func (f Fixed) InitialInterval() int { return f.Interval }

func (f Fixed) StepKind(iteration, interval int) StepKind {
	return scheduled(iteration, interval)
}

func (f Fixed) PostStep(interval int, _ Outcome) int { return interval }

// #endregion fixed

// #region adaptive
// Adaptive widens the interval while the surrogate agrees with the reference
// and falls back to NMin on the first disagreement.
type Adaptive struct {
	NMin   int
	NMax   int
	Factor float64
}

func (a Adaptive) InitialInterval() int { return a.NMin }

func (a Adaptive) StepKind(iteration, interval int) StepKind {
	return scheduled(iteration, a.clamp(interval))
}

// PostStep returns the interval for the following iterations. Growth is
// round(interval*Factor), at least one step, capped at NMax.
func (a Adaptive) PostStep(interval int, outcome Outcome) int {
	interval = a.clamp(interval)
	if !outcome.Compared {
		return interval
	}
	if !outcome.Within {
		return a.NMin
	}
	grown := int(math.Round(float64(interval) * a.Factor))
	if grown <= interval {
		grown = interval + 1
	}
	return a.clamp(grown)
}

func (a Adaptive) clamp(interval int) int {
	if interval < a.NMin {
		return a.NMin
	}
	if interval > a.NMax {
		return a.NMax
	}
	return interval
}

// #endregion adaptive

// #region bootstrap
// Bootstrap forces the reference evaluator on the first NumInitialSteps iterations.
type Bootstrap struct {
	Policy
	NumInitialSteps int
}

func (b Bootstrap) StepKind(iteration, interval int) StepKind {
	if iteration < b.NumInitialSteps {
		return ForcedReference
	}
	return b.Policy.StepKind(iteration, interval)
}

// LastForced reports whether iteration closes the bootstrap window.
func (b Bootstrap) LastForced(iteration int) bool {
	return b.NumInitialSteps > 0 && iteration == b.NumInitialSteps-1
}

// #endregion bootstrap
