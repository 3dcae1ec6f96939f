package replay

import (
	"github.com/hybrid-md/controller/internal/comparison"
	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/refit"
	"github.com/hybrid-md/controller/internal/sampling"
	"github.com/hybrid-md/controller/internal/tolerance"
)

// Replay actions.
const (
	ActionAccept = "accept" // within tolerance
	ActionBreach = "breach" // tolerance exceeded, model may not be updated
	ActionRefit  = "refit"  // tolerance exceeded, refit requested
)

// #region types
// ReplayResult is the outcome of one recorded comparison step under the replay settings.
type ReplayResult struct {
	Iteration      int
	Action         string
	Reason         string
	Decision       tolerance.Decision
	IntervalBefore int
	IntervalAfter  int
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps    int
	Accepts       int
	Breaches      int
	Refits        int
	FinalInterval int
	MaxInterval   int
}

// #endregion types

// #region replay
// Replay feeds recorded samples through the tolerance check and the sampling
// policy built from settings, in order, and returns one result per sample.
// Only compared steps are recorded, so every sample counts as a compared step.
// The starting interval is the policy's initial interval.
func Replay(samples []comparison.Sample, settings config.Settings) []ReplayResult {
	policy := sampling.New(settings)
	interval := policy.InitialInterval()
	results := make([]ReplayResult, 0, len(samples))

	for _, s := range samples {
		d := tolerance.Evaluate(settings.Tolerances, s)

		action := ActionAccept
		switch {
		case refit.ShouldRefit(d.Within, settings.CanUpdate):
			action = ActionRefit
		case !d.Within:
			action = ActionBreach
		}

		next := policy.PostStep(interval, sampling.Outcome{Compared: true, Within: d.Within})
		results = append(results, ReplayResult{
			Iteration:      s.Iteration,
			Action:         action,
			Reason:         d.Reason,
			Decision:       d,
			IntervalBefore: interval,
			IntervalAfter:  next,
		})
		interval = next
	}

	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalSteps: len(results)}
	for _, r := range results {
		switch r.Action {
		case ActionAccept:
			s.Accepts++
		case ActionBreach:
			s.Breaches++
		case ActionRefit:
			s.Refits++
		}
		s.FinalInterval = r.IntervalAfter
		if r.IntervalAfter > s.MaxInterval {
			s.MaxInterval = r.IntervalAfter
		}
	}
	return s
}

// ActionsMatch compares a recorded action with a replayed one. A recorded
// breach matches either kind of breach, since whether it refit depends on
// can_update.
func ActionsMatch(recorded, replayed string) bool {
	if recorded == replayed {
		return true
	}
	return recorded == ActionBreach && replayed == ActionRefit ||
		recorded == ActionRefit && replayed == ActionBreach
}

// #endregion replay
