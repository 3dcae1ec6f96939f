package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hybrid-md/controller/internal/comparison"
	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Samples         []comparison.Sample     `json:"samples"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig mirrors the sampling and tolerance part of config.Settings.
type FixtureConfig struct {
	Tolerances      FixtureTolerances `json:"tolerances"`
	Adaptive        *FixtureAdaptive  `json:"adaptive_method_parameters,omitempty"`
	CheckInterval   int               `json:"check_interval"`
	CanUpdate       bool              `json:"can_update"`
	NumInitialSteps int               `json:"num_initial_steps"`
}

// FixtureTolerances mirrors config.Tolerances with JSON tags.
type FixtureTolerances struct {
	EDiff *float64 `json:"ediff,omitempty"`
	FMax  *float64 `json:"fmax,omitempty"`
	FRMSE *float64 `json:"frmse,omitempty"`
	VMax  *float64 `json:"vmax,omitempty"`
}

// FixtureAdaptive mirrors config.AdaptiveSettings with JSON tags.
type FixtureAdaptive struct {
	NMin   int     `json:"n_min"`
	NMax   int     `json:"n_max"`
	Factor float64 `json:"factor"`
}

// FixtureExpectedResult captures the expected outcome per compared step.
type FixtureExpectedResult struct {
	Iteration int    `json:"iteration"`
	Action    string `json:"action"`
	Interval  int    `json:"interval"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file. Its settings are validated
// like a settings file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Config.ToSettings().Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToSettings converts a FixtureConfig to run settings. A fixture that may
// update the model names a placeholder trainer so that it validates.
func (fc *FixtureConfig) ToSettings() config.Settings {
	s := config.DefaultSettings()
	s.Tolerances = config.Tolerances{
		EDiff: fc.Tolerances.EDiff,
		FMax:  fc.Tolerances.FMax,
		FRMSE: fc.Tolerances.FRMSE,
		VMax:  fc.Tolerances.VMax,
	}
	if fc.Adaptive != nil {
		s.Adaptive = &config.AdaptiveSettings{NMin: fc.Adaptive.NMin, NMax: fc.Adaptive.NMax, Factor: fc.Adaptive.Factor}
	}
	if fc.CheckInterval > 0 {
		s.CheckInterval = fc.CheckInterval
	}
	s.CanUpdate = fc.CanUpdate
	if s.CanUpdate {
		s.Refit.Command = []string{"replay"}
	}
	s.NumInitialSteps = fc.NumInitialSteps
	return s
}

// FromRecords extracts the samples of recorded steps together with the
// action each one took when it was recorded.
func FromRecords(records []state.SampleRecord, canUpdate bool) ([]comparison.Sample, []string) {
	samples := make([]comparison.Sample, len(records))
	actions := make([]string, len(records))
	for i, r := range records {
		samples[i] = r.Sample
		switch {
		case r.Within:
			actions[i] = ActionAccept
		case canUpdate:
			actions[i] = ActionRefit
		default:
			actions[i] = ActionBreach
		}
	}
	return samples, actions
}

// #endregion fixture-loader

// #region fixture-export

// NewFixtureConfig is the inverse of ToSettings for the fields a replay uses.
func NewFixtureConfig(s config.Settings) FixtureConfig {
	fc := FixtureConfig{
		Tolerances: FixtureTolerances{
			EDiff: s.Tolerances.EDiff,
			FMax:  s.Tolerances.FMax,
			FRMSE: s.Tolerances.FRMSE,
			VMax:  s.Tolerances.VMax,
		},
		CheckInterval:   s.CheckInterval,
		CanUpdate:       s.CanUpdate,
		NumInitialSteps: s.NumInitialSteps,
	}
	if s.Adaptive != nil {
		fc.Adaptive = &FixtureAdaptive{NMin: s.Adaptive.NMin, NMax: s.Adaptive.NMax, Factor: s.Adaptive.Factor}
	}
	return fc
}

// NewFixture builds a fixture from a recorded run. intervals maps an
// iteration to the interval its post-step left behind; steps without an
// entry expect the interval the replay computes.
func NewFixture(description string, s config.Settings, records []state.SampleRecord, intervals map[int]int) Fixture {
	samples, actions := FromRecords(records, s.CanUpdate)
	f := Fixture{
		Description:     description,
		Config:          NewFixtureConfig(s),
		Samples:         samples,
		ExpectedResults: make([]FixtureExpectedResult, len(samples)),
	}
	replayed := Replay(samples, s)
	for i, sample := range samples {
		interval, ok := intervals[sample.Iteration]
		if !ok {
			interval = replayed[i].IntervalAfter
		}
		f.ExpectedResults[i] = FixtureExpectedResult{Iteration: sample.Iteration, Action: actions[i], Interval: interval}
	}
	return f
}

// #endregion fixture-export
