package config

import "time"

// #region tolerances
// Tolerances holds the optional thresholds a comparison step is checked against.
// A nil field is not configured and never gates a step.
type Tolerances struct {
	EDiff *float64 `yaml:"ediff"` // eV
	FMax  *float64 `yaml:"fmax"`  // eV/A
	FRMSE *float64 `yaml:"frmse"` // eV/A
	VMax  *float64 `yaml:"vmax"`  // eV
}

// Any reports whether at least one threshold is configured.
func (t Tolerances) Any() bool {
	return t.EDiff != nil || t.FMax != nil || t.FRMSE != nil || t.VMax != nil
}

// #endregion tolerances

// #region adaptive
// AdaptiveSettings parameterises the adaptive sampling interval.
type AdaptiveSettings struct {
	NMin   int     `yaml:"n_min"`
	NMax   int     `yaml:"n_max"`
	Factor float64 `yaml:"factor"`
}

// #endregion adaptive

// #region refit
// RefitSettings describes how the external training collaborator is reached.
type RefitSettings struct {
	FunctionName string   `yaml:"function_name"`
	PreviousData []string `yaml:"previous_data"`
	ModelName    string   `yaml:"gp_name"`
	Command      []string `yaml:"command"`
	GRPCAddress  string   `yaml:"grpc_address"`
	Timeout      Duration `yaml:"timeout"`
}

// Duration is a time.Duration that unmarshals from strings like "30m".
type Duration time.Duration

// #endregion refit

// #region settings
// Settings is the validated, read-only run policy.
type Settings struct {
	Tolerances      Tolerances        `yaml:"tolerances"`
	Adaptive        *AdaptiveSettings `yaml:"adaptive_method_parameters"`
	Refit           RefitSettings     `yaml:"refit"`
	CanUpdate       bool              `yaml:"can_update"`
	CheckInterval   int               `yaml:"check_interval"`
	NumInitialSteps int               `yaml:"num_initial_steps"`
	LogLevel        string            `yaml:"log_level"`
	LogFormat       string            `yaml:"log_format"`
}

// DefaultSettings returns the defaults applied before a file is decoded.
func DefaultSettings() Settings {
	return Settings{
		Refit: RefitSettings{
			ModelName: "GAP.xml",
			Timeout:   Duration(2 * time.Hour),
		},
		CheckInterval: 1,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// #endregion settings
