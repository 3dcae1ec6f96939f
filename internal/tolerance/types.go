package tolerance

// #region metric
// Metric names a gated error quantity.
type Metric string

const (
	MetricEDiff Metric = "ediff"
	MetricFMax  Metric = "fmax"
	MetricFRMSE Metric = "frmse"
	MetricVMax  Metric = "vmax"
)

// #endregion metric

// #region breach
// Breach is one configured threshold exceeded by a sample.
type Breach struct {
	Metric    Metric
	Species   string // set for per-species force RMSE breaches
	Value     float64
	Threshold float64
	Missing   bool // the sample carries no value for Metric
}

// #endregion breach

// #region decision
// Decision is the outcome of checking a sample against the tolerances.
type Decision struct {
	Within   bool
	Breaches []Breach
	Reason   string
}

// #endregion decision
