package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hybrid-md/controller/internal/comparison"
	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/fileio"
	"github.com/hybrid-md/controller/internal/frame"
	"github.com/hybrid-md/controller/internal/logging"
	"github.com/hybrid-md/controller/internal/refit"
	"github.com/hybrid-md/controller/internal/sampling"
	"github.com/hybrid-md/controller/internal/state"
	"github.com/hybrid-md/controller/internal/tolerance"
)

// SideFileName returns the file through which post-step hands the sampling
// interval to the host.
func SideFileName(seed string) string {
	return seed + ".ml-energy-num.txt"
}

// #region controller-struct

// Controller runs the three protocol phases of a run. Each call reads the
// carry state, decides, and persists the next state before returning.
type Controller struct {
	settings config.Settings
	policy   sampling.Policy
	store    *state.Store
	frames   frame.Source
	refitter refit.Refitter
	reporter Reporter
	logger   *slog.Logger
	dir      string
	mode     string
}

// Deps are the collaborators of a Controller. Settings, Store and Dir are
// required; the rest fall back to defaults derived from Settings.
type Deps struct {
	Settings config.Settings
	Store    *state.Store
	Dir      string
	Mode     string // host driver name, only logged
	Policy   sampling.Policy
	Frames   frame.Source
	Refitter refit.Refitter
	Reporter Reporter
	Logger   *slog.Logger
}

// #endregion controller-struct

// #region constructor

// NewController wires a controller from its dependencies.
func NewController(d Deps) *Controller {
	c := &Controller{
		settings: d.Settings,
		policy:   d.Policy,
		store:    d.Store,
		frames:   d.Frames,
		refitter: d.Refitter,
		reporter: d.Reporter,
		logger:   d.Logger,
		dir:      d.Dir,
		mode:     d.Mode,
	}
	if c.policy == nil {
		c.policy = sampling.New(d.Settings)
	}
	if c.frames == nil {
		c.frames = frame.JSONSource{Dir: d.Dir}
	}
	if c.refitter == nil {
		c.refitter = refit.Noop{}
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.reporter == nil {
		c.reporter = Reporters{
			LogReporter{Logger: c.logger},
			FileReporter{Dir: d.Dir, Logger: c.logger},
		}
	}
	return c
}

// #endregion constructor

// #region initialise

// Initialise creates the carry state of a run. Iteration 0 starts a fresh run;
// a later iteration continues from the last completed step on disk.
func (c *Controller) Initialise(ctx context.Context, seed string, iteration int) (int, error) {
	if err := checkIteration(iteration); err != nil {
		return FatalExitCode, err
	}

	rec := state.CarryState{
		Seed:                 seed,
		Iteration:            iteration,
		Phase:                state.PhaseInitialise,
		CurrentCheckInterval: c.policy.InitialInterval(),
		NextIsPreStep:        true,
	}
	fresh := iteration == 0
	decision := "fresh"
	if !fresh {
		last, err := c.store.LastCompleted(seed)
		if err != nil {
			return FatalExitCode, &RecoveryError{Seed: seed, Iteration: iteration, Err: err}
		}
		rec.CurrentCheckInterval = last.CurrentCheckInterval
		decision = "continuation"
		c.logger.Info("continuing run",
			"seed", seed, "iteration", iteration,
			"from_version", last.VersionID, "from_iteration", last.Iteration,
			"interval", last.CurrentCheckInterval)
	}

	if err := c.store.Initialise(&rec, fresh); err != nil {
		return FatalExitCode, fmt.Errorf("initialise %s: %w", seed, err)
	}

	flags := InitFlags{LogReplay: true, Bootstrap: c.settings.NumInitialSteps > 0}
	code := flags.Code()
	c.reporter.RunStarted(seed, iteration, fresh, c.settings)
	c.record(rec, code, decision, fmt.Sprintf("num_initial_steps=%d interval=%d", c.settings.NumInitialSteps, rec.CurrentCheckInterval))
	c.logger.Info("initialise", "seed", seed, "iteration", iteration, "exit", code, "continuation", !fresh)
	return code, nil
}

// #endregion initialise

// #region pre-step

// PreStep decides whether the reference evaluator runs for iteration.
func (c *Controller) PreStep(ctx context.Context, seed string, iteration int) (int, error) {
	if err := checkIteration(iteration); err != nil {
		return FatalExitCode, err
	}
	cur, err := c.load(seed, iteration)
	if err != nil {
		return FatalExitCode, err
	}
	if !cur.NextIsPreStep {
		return FatalExitCode, &ProtocolOrderError{Seed: seed, Iteration: iteration, Called: state.PhasePreStep, Expected: state.PhasePostStep}
	}

	cur.Reset()
	kind := c.policy.StepKind(iteration, cur.CurrentCheckInterval)
	// Judged under the current interval. A post-step that moves the interval
	// can turn the next step into a surrogate step after all.
	next := c.policy.StepKind(iteration+1, cur.CurrentCheckInterval)

	cur.DoComparison = kind == sampling.ScheduledReference
	// The window's last forced step produces the first training set.
	if b, ok := c.policy.(sampling.Bootstrap); ok && b.LastForced(iteration) && c.settings.CanUpdate {
		cur.DoUpdateModel = true
	}

	now := kind.RunsReference()
	flags := PreStepFlags{
		LogReplay:       true,
		ReferenceNow:    now,
		ReferenceNext:   next.RunsReference(),
		CellUpdate:      !now,
		SurrogateForces: !now,
	}

	cur.Iteration = iteration
	cur.Phase = state.PhasePreStep
	cur.NextIsPreStep = false
	if err := c.store.Commit(&cur); err != nil {
		return FatalExitCode, fmt.Errorf("pre-step %s: %w", seed, err)
	}

	code := flags.Code()
	c.record(cur, code, kind.String(), fmt.Sprintf("interval=%d next=%s", cur.CurrentCheckInterval, next))
	c.logger.Info("pre-step",
		"seed", seed, "iteration", iteration, "exit", code,
		"kind", kind.String(), "interval", cur.CurrentCheckInterval,
		"do_comparison", cur.DoComparison, "do_update_model", cur.DoUpdateModel)
	return code, nil
}

// #endregion pre-step

// #region post-step

// PostStep evaluates the finished step, refits the surrogate when required
// and advances the sampling interval.
func (c *Controller) PostStep(ctx context.Context, seed string, iteration int) (int, error) {
	if err := checkIteration(iteration); err != nil {
		return FatalExitCode, err
	}
	cur, err := c.load(seed, iteration)
	if err != nil {
		return FatalExitCode, err
	}
	if cur.NextIsPreStep {
		return FatalExitCode, &ProtocolOrderError{Seed: seed, Iteration: iteration, Called: state.PhasePostStep, Expected: state.PhasePreStep}
	}

	cum, err := c.store.Cumulative(seed)
	if err != nil {
		return FatalExitCode, fmt.Errorf("post-step %s: %w", seed, err)
	}

	var sample *comparison.Sample
	within := true
	reason := "no comparison"
	if cur.DoComparison {
		s, d, err := c.compare(ctx, seed, iteration, cum)
		switch {
		case errors.Is(err, frame.ErrDataGap):
			c.logger.Warn("comparison skipped", "seed", seed, "iteration", iteration, "error", err)
			cur.DoComparison = false
			reason = "data gap: " + err.Error()
		case err != nil:
			return FatalExitCode, fmt.Errorf("post-step %s: %w", seed, err)
		default:
			sample = &s
			within = d.Within
			reason = d.Reason
			if refit.ShouldRefit(d.Within, c.settings.CanUpdate) {
				cur.DoUpdateModel = true
			}
		}
	}

	if cur.DoUpdateModel {
		if err := c.runRefit(ctx, seed, iteration, sample == nil); err != nil {
			return FatalExitCode, err
		}
	}

	cur.CurrentCheckInterval = c.policy.PostStep(cur.CurrentCheckInterval, sampling.Outcome{Compared: cur.DoComparison, Within: within})

	readNumSteps := cur.DoComparison || (iteration == 1 && c.settings.NumInitialSteps == 1)

	cur.Iteration = iteration
	cur.Phase = state.PhasePostStep
	cur.NextIsPreStep = true
	commit := &state.PostStepCommit{Carry: cur, Sample: sample, Within: within}
	if sample != nil {
		commit.Cumulative = cum
	}
	if err := c.store.CommitPostStep(commit); err != nil {
		return FatalExitCode, fmt.Errorf("post-step %s: %w", seed, err)
	}
	// The host only reads the interval once the step is committed.
	if readNumSteps {
		path := filepath.Join(c.dir, SideFileName(seed))
		if err := fileio.WriteFileAtomic(path, []byte(fmt.Sprintf("%d\n", cur.CurrentCheckInterval))); err != nil {
			return FatalExitCode, fmt.Errorf("post-step %s: write interval: %w", seed, err)
		}
	}

	flags := PostStepFlags{Compared: cur.DoComparison, RefitRequested: cur.DoUpdateModel, IntervalWritten: readNumSteps}
	code := flags.Code()
	c.record(commit.Carry, code, postStepDecision(flags), reason)
	c.logger.Info("post-step",
		"seed", seed, "iteration", iteration, "exit", code,
		"interval", cur.CurrentCheckInterval, "read_num_steps", readNumSteps)
	return code, nil
}

// compare loads the step's frames, computes its errors and folds them into cum.
func (c *Controller) compare(ctx context.Context, seed string, iteration int, cum *comparison.Cumulative) (comparison.Sample, tolerance.Decision, error) {
	pair, err := c.frames.Load(ctx, seed, iteration)
	if err != nil {
		return comparison.Sample{}, tolerance.Decision{}, err
	}
	if err := pair.Validate(); err != nil {
		return comparison.Sample{}, tolerance.Decision{}, err
	}
	s := comparison.Compute(pair)
	s.Iteration = iteration
	if missing := tolerance.Missing(c.settings.Tolerances, s); len(missing) > 0 {
		return comparison.Sample{}, tolerance.Decision{}, fmt.Errorf("%w: frame has no %v", frame.ErrDataGap, missing)
	}
	cum.Fold(s)
	d := tolerance.Evaluate(c.settings.Tolerances, s)

	c.reporter.StepErrors(seed, s, d)
	c.reporter.CumulativeErrors(seed, iteration, cum)
	return s, d, nil
}

func (c *Controller) runRefit(ctx context.Context, seed string, iteration int, bootstrap bool) error {
	if t := c.settings.Refit.Timeout.Std(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	current := filepath.Join(c.dir, frame.FileName(seed))
	req := refit.NewRequest(c.settings, c.dir, seed, iteration, current, bootstrap)

	c.logger.Info("refitting surrogate", "seed", seed, "iteration", iteration, "request", req.ID, "bootstrap", bootstrap)
	if err := c.refitter.Refit(ctx, req); err != nil {
		c.logger.Error("refit failed", "seed", seed, "iteration", iteration, "request", req.ID, "error", err)
		return &refit.Failure{Seed: seed, Iteration: iteration, Err: err}
	}
	return nil
}

func postStepDecision(f PostStepFlags) string {
	switch {
	case f.Compared && f.RefitRequested:
		return "refit"
	case f.Compared:
		return "accepted"
	case f.RefitRequested:
		return "bootstrap-refit"
	}
	return "skipped"
}

// #endregion post-step

// #region helpers

func (c *Controller) load(seed string, iteration int) (state.CarryState, error) {
	cur, err := c.store.Current(seed)
	if err != nil {
		return state.CarryState{}, &RecoveryError{Seed: seed, Iteration: iteration, Err: err}
	}
	return cur, nil
}

// record appends the phase decision to the run's phase log. A failed log
// write does not fail the phase.
func (c *Controller) record(rec state.CarryState, code int, decision, reason string) {
	err := logging.LogPhase(c.store.DB(), logging.PhaseEntry{
		Seed:      rec.Seed,
		Iteration: rec.Iteration,
		Phase:     string(rec.Phase),
		Mode:      c.mode,
		VersionID: rec.VersionID,
		ExitCode:  code,
		Decision:  decision,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Warn("phase log write failed", "seed", rec.Seed, "error", err)
	}
}

func checkIteration(iteration int) error {
	if iteration < 0 {
		return fmt.Errorf("iteration must not be negative, got %d", iteration)
	}
	return nil
}

// #endregion helpers
