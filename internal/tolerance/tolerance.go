package tolerance

import (
	"fmt"

	"github.com/hybrid-md/controller/internal/comparison"
	"github.com/hybrid-md/controller/internal/config"
)

// #region check
// CheckTolerances reports whether every configured threshold holds for the sample.
func CheckTolerances(tol config.Tolerances, sample comparison.Sample) bool {
	return Evaluate(tol, sample).Within
}

// #endregion check

// #region evaluate
// Evaluate compares each configured threshold with the matching metric.
// Unset thresholds do not gate. A configured threshold whose metric is absent
// from the sample is a breach.
// Force RMSE is checked for every species in the sample, falling back to the
// overall value when no per-species breakdown exists.
func Evaluate(tol config.Tolerances, sample comparison.Sample) Decision {
	var breaches []Breach

	check := func(m Metric, threshold, value *float64) {
		if threshold == nil {
			return
		}
		if value == nil {
			breaches = append(breaches, Breach{Metric: m, Threshold: *threshold, Missing: true})
			return
		}
		if *value > *threshold {
			breaches = append(breaches, Breach{Metric: m, Value: *value, Threshold: *threshold})
		}
	}

	check(MetricEDiff, tol.EDiff, sample.EDiff)
	check(MetricFMax, tol.FMax, sample.FMax)

	if tol.FRMSE != nil {
		if len(sample.Species) > 0 {
			for _, sp := range sample.SpeciesNames() {
				rmse := sample.Species[sp].RMSE()
				if rmse > *tol.FRMSE {
					breaches = append(breaches, Breach{Metric: MetricFRMSE, Species: sp, Value: rmse, Threshold: *tol.FRMSE})
				}
			}
		} else {
			check(MetricFRMSE, tol.FRMSE, sample.FRMSE)
		}
	}

	check(MetricVMax, tol.VMax, sample.VMax)

	if len(breaches) > 0 {
		return Decision{
			Within:   false,
			Breaches: breaches,
			Reason:   fmt.Sprintf("%d tolerance(s) exceeded, first: %s", len(breaches), breaches[0]),
		}
	}
	return Decision{Within: true, Reason: "within tolerance"}
}

// Missing lists the configured metrics the sample carries no value for.
func Missing(tol config.Tolerances, sample comparison.Sample) []Metric {
	var missing []Metric
	if tol.EDiff != nil && sample.EDiff == nil {
		missing = append(missing, MetricEDiff)
	}
	if tol.FMax != nil && sample.FMax == nil {
		missing = append(missing, MetricFMax)
	}
	if tol.FRMSE != nil && sample.FRMSE == nil && len(sample.Species) == 0 {
		missing = append(missing, MetricFRMSE)
	}
	if tol.VMax != nil && sample.VMax == nil {
		missing = append(missing, MetricVMax)
	}
	return missing
}

// #endregion evaluate

func (b Breach) String() string {
	if b.Missing {
		return fmt.Sprintf("%s missing (threshold %.6g)", b.Metric, b.Threshold)
	}
	if b.Species != "" {
		return fmt.Sprintf("%s[%s] %.6g > %.6g", b.Metric, b.Species, b.Value, b.Threshold)
	}
	return fmt.Sprintf("%s %.6g > %.6g", b.Metric, b.Value, b.Threshold)
}
