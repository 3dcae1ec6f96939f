package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/frame"
	"github.com/hybrid-md/controller/internal/refit"
	"github.com/hybrid-md/controller/internal/state"
)

// #region helpers

func f(v float64) *float64 { return &v }

type fakeFrames struct {
	forceError float64
	err        error
	calls      int
}

func (s *fakeFrames) Load(_ context.Context, _ string, iteration int) (frame.Pair, error) {
	s.calls++
	if s.err != nil {
		return frame.Pair{}, s.err
	}
	return frame.Pair{
		Iteration: iteration,
		Species:   []string{"H", "O"},
		Reference: frame.Calculation{Energy: f(-10), Forces: [][3]float64{{0, 0, 0}, {0, 0, 0}}},
		Surrogate: frame.Calculation{Energy: f(-10), Forces: [][3]float64{{s.forceError, 0, 0}, {0, 0, 0}}},
	}, nil
}

type fakeRefitter struct {
	requests []refit.Request
	err      error
}

func (r *fakeRefitter) Refit(_ context.Context, req refit.Request) error {
	r.requests = append(r.requests, req)
	return r.err
}

type harness struct {
	ctl      *Controller
	store    *state.Store
	frames   *fakeFrames
	refitter *fakeRefitter
	dir      string
}

func baseSettings() config.Settings {
	s := config.DefaultSettings()
	s.Tolerances.FMax = f(0.1)
	return s
}

func newHarness(t *testing.T, s config.Settings) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(dir, "X")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store, frames: &fakeFrames{forceError: 0.01}, refitter: &fakeRefitter{}, dir: dir}
	h.ctl = NewController(Deps{
		Settings: s,
		Store:    store,
		Dir:      dir,
		Mode:     "test",
		Frames:   h.frames,
		Refitter: h.refitter,
	})
	return h
}

// step runs pre-step and post-step of one iteration.
func (h *harness) step(t *testing.T, iteration int) (pre, post int) {
	t.Helper()
	ctx := context.Background()
	pre, err := h.ctl.PreStep(ctx, "X", iteration)
	require.NoError(t, err, "pre-step %d", iteration)
	post, err = h.ctl.PostStep(ctx, "X", iteration)
	require.NoError(t, err, "post-step %d", iteration)
	return pre, post
}

func (h *harness) sideFile(t *testing.T) (string, bool) {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.dir, SideFileName("X")))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	require.NoError(t, err)
	return string(raw), true
}

// #endregion helpers

// #region initialise-tests

func TestInitialiseExitCodes(t *testing.T) {
	for _, tc := range []struct {
		initial int
		want    int
	}{{0, 1}, {3, 3}} {
		t.Run(fmt.Sprintf("num_initial_steps=%d", tc.initial), func(t *testing.T) {
			s := baseSettings()
			s.NumInitialSteps = tc.initial
			h := newHarness(t, s)

			code, err := h.ctl.Initialise(context.Background(), "X", 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, code)

			cur, err := h.store.Current("X")
			require.NoError(t, err)
			assert.True(t, cur.NextIsPreStep)
			assert.Equal(t, 1, cur.CurrentCheckInterval)
		})
	}
}

func TestInitialiseUsesAdaptiveMinimum(t *testing.T) {
	s := baseSettings()
	s.Adaptive = &config.AdaptiveSettings{NMin: 2, NMax: 20, Factor: 1.5}
	h := newHarness(t, s)

	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)
	cur, _ := h.store.Current("X")
	assert.Equal(t, 2, cur.CurrentCheckInterval)
}

func TestContinuationWithoutStateFails(t *testing.T) {
	h := newHarness(t, baseSettings())

	code, err := h.ctl.Initialise(context.Background(), "X", 4)
	require.Error(t, err)
	assert.Equal(t, FatalExitCode, code)
	var re *RecoveryError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, state.ErrNoState)
}

func TestContinuationRestoresLastCompletedStep(t *testing.T) {
	s := baseSettings()
	s.Adaptive = &config.AdaptiveSettings{NMin: 2, NMax: 20, Factor: 1.5}
	h := newHarness(t, s)
	ctx := context.Background()

	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)
	h.step(t, 0) // compared and within: 2 -> 3
	h.step(t, 1)

	// Interrupted after a pre-step.
	_, err = h.ctl.PreStep(ctx, "X", 2)
	require.NoError(t, err)

	code, err := h.ctl.Initialise(ctx, "X", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	cur, err := h.store.Current("X")
	require.NoError(t, err)
	assert.Equal(t, 3, cur.CurrentCheckInterval)
	assert.True(t, cur.NextIsPreStep)
	assert.False(t, cur.DoComparison)
	assert.False(t, cur.DoUpdateModel)

	samples, _ := h.store.Samples("X")
	assert.Len(t, samples, 1, "continuation keeps recorded samples")

	_, err = h.ctl.PreStep(ctx, "X", 2)
	assert.NoError(t, err)
}

func TestContinuationPastBootstrapWindowKeepsBootstrapBit(t *testing.T) {
	s := baseSettings()
	s.NumInitialSteps = 3
	h := newHarness(t, s)
	ctx := context.Background()

	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		h.step(t, i)
	}

	code, err := h.ctl.Initialise(ctx, "X", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.True(t, DecodeInit(code).Bootstrap)

	// The window itself is over: iteration 4 runs on the schedule.
	pre, err := h.ctl.PreStep(ctx, "X", 4)
	require.NoError(t, err)
	assert.Equal(t, 7, pre)
}

func TestRunLogRecordsBannerAndErrors(t *testing.T) {
	s := baseSettings()
	s.NumInitialSteps = 1
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)
	h.step(t, 0)
	h.step(t, 1)

	raw, err := os.ReadFile(filepath.Join(h.dir, RunLogName("X")))
	require.NoError(t, err)
	log := string(raw)
	assert.Contains(t, log, "hybrid-md fresh run of X at iteration 0")
	assert.Contains(t, log, "tolerances:     fmax=0.1")
	assert.Contains(t, log, "--- step 1 errors ---")
	assert.Contains(t, log, "cumulative errors after step 1 (1 compared)")
	assert.NotContains(t, log, "--- step 0 errors ---", "forced steps are not compared")

	_, err = h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)
	raw, err = os.ReadFile(filepath.Join(h.dir, RunLogName("X")))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "--- step 1 errors ---", "a fresh run starts a new log")
}

// #endregion initialise-tests

// #region ordering-tests

func TestPreStepTwiceIsOrderError(t *testing.T) {
	h := newHarness(t, baseSettings())
	ctx := context.Background()
	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)
	_, err = h.ctl.PreStep(ctx, "X", 0)
	require.NoError(t, err)

	code, err := h.ctl.PreStep(ctx, "X", 0)
	assert.Equal(t, FatalExitCode, code)
	var oe *ProtocolOrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, state.PhasePostStep, oe.Expected)
}

func TestPostStepBeforePreStepIsOrderError(t *testing.T) {
	h := newHarness(t, baseSettings())
	ctx := context.Background()
	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)

	_, err = h.ctl.PostStep(ctx, "X", 0)
	assert.True(t, IsOrderError(err))

	h.step(t, 0)
	_, err = h.ctl.PostStep(ctx, "X", 0)
	assert.True(t, IsOrderError(err), "post-step twice")
}

func TestPhasesWithoutInitialiseFail(t *testing.T) {
	h := newHarness(t, baseSettings())
	_, err := h.ctl.PreStep(context.Background(), "X", 0)
	var re *RecoveryError
	assert.ErrorAs(t, err, &re)
}

// #endregion ordering-tests

// #region pre-step-tests

func TestBootstrapForcesReference(t *testing.T) {
	s := baseSettings()
	s.Adaptive = &config.AdaptiveSettings{NMin: 4, NMax: 20, Factor: 2}
	s.NumInitialSteps = 3
	h := newHarness(t, s)
	ctx := context.Background()
	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)

	for it := 0; it < 3; it++ {
		pre, _ := h.step(t, it)
		flags := DecodePreStep(pre)
		assert.True(t, flags.ReferenceNow, "iteration %d", it)
		assert.False(t, flags.SurrogateForces, "iteration %d", it)
		assert.False(t, flags.CellUpdate, "iteration %d", it)
	}
	assert.Zero(t, h.frames.calls, "bootstrap steps are not compared")
}

func TestBootstrapIgnoresStoredInterval(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 7))
	for trial := 0; trial < 20; trial++ {
		s := baseSettings()
		s.CheckInterval = 2 + rng.IntN(50)
		s.NumInitialSteps = 1 + rng.IntN(10)
		h := newHarness(t, s)
		_, err := h.ctl.Initialise(context.Background(), "X", 0)
		require.NoError(t, err)
		for it := 0; it < s.NumInitialSteps; it++ {
			pre, _ := h.step(t, it)
			require.True(t, DecodePreStep(pre).ReferenceNow, "interval=%d iteration=%d", s.CheckInterval, it)
		}
	}
}

func TestPreStepSchedule(t *testing.T) {
	s := baseSettings()
	s.CheckInterval = 3
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	want := map[int]PreStepFlags{
		0: {LogReplay: true, ReferenceNow: true},
		1: {LogReplay: true, CellUpdate: true, SurrogateForces: true},
		2: {LogReplay: true, ReferenceNext: true, CellUpdate: true, SurrogateForces: true},
		3: {LogReplay: true, ReferenceNow: true},
	}
	for it := 0; it <= 3; it++ {
		pre, _ := h.step(t, it)
		assert.Equal(t, want[it], DecodePreStep(pre), "iteration %d", it)
	}
}

// #endregion pre-step-tests

// #region post-step-tests

func TestIntervalFileOnComparisonStep(t *testing.T) {
	s := baseSettings()
	s.CheckInterval = 5
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 5)
	flags := DecodePostStep(post)
	assert.True(t, flags.IntervalWritten)
	assert.True(t, flags.Compared)
	assert.Equal(t, 5, post)

	content, ok := h.sideFile(t)
	require.True(t, ok)
	assert.Equal(t, "5\n", content)
}

func TestSurrogateStepWritesNothing(t *testing.T) {
	s := baseSettings()
	s.CheckInterval = 5
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 3)
	assert.Equal(t, 0, post)
	_, ok := h.sideFile(t)
	assert.False(t, ok)
	assert.Zero(t, h.frames.calls)
}

func TestSingleBootstrapStepEdgeCase(t *testing.T) {
	s := baseSettings()
	s.CheckInterval = 4
	s.NumInitialSteps = 1
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	h.step(t, 0)
	_, post := h.step(t, 1)
	assert.Equal(t, 4, post)
	content, ok := h.sideFile(t)
	require.True(t, ok)
	assert.Equal(t, "4\n", content)
}

func TestBreachWithoutUpdateNeverRefits(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = false
	h := newHarness(t, s)
	h.frames.forceError = 0.5
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 0)
	assert.False(t, DecodePostStep(post).RefitRequested)
	assert.Empty(t, h.refitter.requests)

	cur, _ := h.store.Current("X")
	assert.False(t, cur.DoUpdateModel)
	samples, _ := h.store.Samples("X")
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Within)
}

func TestBreachWithUpdateRefits(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = true
	s.Refit.Command = []string{"train"}
	h := newHarness(t, s)
	h.frames.forceError = 0.5
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 0)
	assert.Equal(t, 7, post)
	require.Len(t, h.refitter.requests, 1)
	req := h.refitter.requests[0]
	assert.Equal(t, 0, req.Iteration)
	assert.False(t, req.Bootstrap)
	assert.Equal(t, filepath.Join(h.dir, "GAP.xml"), req.ModelName)
}

func TestWithinToleranceDoesNotRefit(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = true
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 0)
	assert.Equal(t, 5, post)
	assert.Empty(t, h.refitter.requests)
}

func TestRefitFailurePersistsNothing(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = true
	h := newHarness(t, s)
	h.frames.forceError = 0.5
	h.refitter.err = errors.New("trainer crashed")
	ctx := context.Background()
	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)
	_, err = h.ctl.PreStep(ctx, "X", 0)
	require.NoError(t, err)
	before, _ := h.store.Current("X")

	code, err := h.ctl.PostStep(ctx, "X", 0)
	assert.Equal(t, FatalExitCode, code)
	var rf *refit.Failure
	require.ErrorAs(t, err, &rf)
	assert.ErrorContains(t, err, "trainer crashed")

	after, _ := h.store.Current("X")
	assert.Equal(t, before.VersionID, after.VersionID)
	samples, _ := h.store.Samples("X")
	assert.Empty(t, samples)
	cum, _ := h.store.Cumulative("X")
	assert.Zero(t, cum.Steps)
	_, ok := h.sideFile(t)
	assert.False(t, ok)
}

func TestDataGapSkipsComparison(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = true
	s.Adaptive = &config.AdaptiveSettings{NMin: 2, NMax: 20, Factor: 1.5}
	h := newHarness(t, s)
	h.frames.err = fmt.Errorf("%w: frame missing", frame.ErrDataGap)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 0)
	assert.Equal(t, 0, post)
	assert.Empty(t, h.refitter.requests)

	cur, _ := h.store.Current("X")
	assert.Equal(t, 2, cur.CurrentCheckInterval)
	assert.False(t, cur.DoComparison)
	samples, _ := h.store.Samples("X")
	assert.Empty(t, samples)
}

func TestUnmeasuredToleranceIsDataGap(t *testing.T) {
	s := baseSettings()
	s.Tolerances = config.Tolerances{VMax: f(0.01)}
	s.Adaptive = &config.AdaptiveSettings{NMin: 1, NMax: 50, Factor: 2}
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	for _, it := range []int{0, 1, 2} {
		_, post := h.step(t, it)
		assert.Equal(t, 0, post, "iteration %d has no virial to compare", it)
	}
	cur, _ := h.store.Current("X")
	assert.Equal(t, 1, cur.CurrentCheckInterval)
	samples, _ := h.store.Samples("X")
	assert.Empty(t, samples)
	cum, _ := h.store.Cumulative("X")
	assert.Zero(t, cum.Steps)
	_, ok := h.sideFile(t)
	assert.False(t, ok)
}

func TestReferenceNextUsesIntervalBeforePostStep(t *testing.T) {
	s := baseSettings()
	s.Adaptive = &config.AdaptiveSettings{NMin: 1, NMax: 50, Factor: 2}
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	pre, post := h.step(t, 0)
	assert.Equal(t, 7, pre, "interval 1 schedules iteration 1")
	assert.Equal(t, 5, post)
	content, _ := h.sideFile(t)
	assert.Equal(t, "2\n", content)

	pre, _ = h.step(t, 1)
	assert.Equal(t, 29, pre, "the widened interval makes iteration 1 a surrogate step")
}

func TestCommitFailureWritesNoIntervalFile(t *testing.T) {
	h := newHarness(t, baseSettings())
	ctx := context.Background()
	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)
	_, err = h.ctl.PreStep(ctx, "X", 0)
	require.NoError(t, err)

	_, err = h.store.DB().Exec(`CREATE TRIGGER reject_post_step BEFORE INSERT ON carry_versions
		WHEN NEW.phase = 'post-step' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	code, err := h.ctl.PostStep(ctx, "X", 0)
	assert.Equal(t, FatalExitCode, code)
	assert.ErrorContains(t, err, "disk full")
	_, ok := h.sideFile(t)
	assert.False(t, ok)
	samples, _ := h.store.Samples("X")
	assert.Empty(t, samples)
}

func TestFrameErrorIsFatal(t *testing.T) {
	h := newHarness(t, baseSettings())
	h.frames.err = errors.New("permission denied")
	ctx := context.Background()
	_, err := h.ctl.Initialise(ctx, "X", 0)
	require.NoError(t, err)
	_, err = h.ctl.PreStep(ctx, "X", 0)
	require.NoError(t, err)

	code, err := h.ctl.PostStep(ctx, "X", 0)
	assert.Equal(t, FatalExitCode, code)
	assert.Error(t, err)
}

func TestBootstrapRefitAtEndOfWindow(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = true
	s.NumInitialSteps = 2
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	_, post := h.step(t, 0)
	assert.Equal(t, 0, post)
	assert.Empty(t, h.refitter.requests)

	_, post = h.step(t, 1)
	assert.Equal(t, 2, post)
	require.Len(t, h.refitter.requests, 1)
	assert.True(t, h.refitter.requests[0].Bootstrap)
}

func TestAdaptiveIntervalTracksOutcomes(t *testing.T) {
	s := baseSettings()
	s.CanUpdate = true
	s.Adaptive = &config.AdaptiveSettings{NMin: 2, NMax: 6, Factor: 2}
	h := newHarness(t, s)
	_, err := h.ctl.Initialise(context.Background(), "X", 0)
	require.NoError(t, err)

	interval := func() int {
		cur, err := h.store.Current("X")
		require.NoError(t, err)
		return cur.CurrentCheckInterval
	}

	h.step(t, 0)
	assert.Equal(t, 4, interval())
	h.step(t, 1)
	assert.Equal(t, 4, interval(), "surrogate-only steps keep the interval")
	h.step(t, 4)
	assert.Equal(t, 6, interval())

	h.frames.forceError = 0.5
	_, post := h.step(t, 6)
	assert.Equal(t, 7, post)
	assert.Equal(t, 2, interval())
	content, _ := h.sideFile(t)
	assert.Equal(t, "2\n", content)

	cum, err := h.store.Cumulative("X")
	require.NoError(t, err)
	assert.Equal(t, 3, cum.Steps)
}

// #endregion post-step-tests
