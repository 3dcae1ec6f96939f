package comparison

import (
	"math"
	"sort"

	"github.com/hybrid-md/controller/internal/frame"
)

// #region sample
// SpeciesError aggregates force-component errors of one species in one step.
type SpeciesError struct {
	Components int     `json:"components"`
	SumSq      float64 `json:"sum_sq"`
	MaxAbs     float64 `json:"max_abs"`
}

// RMSE is the root mean square force-component error.
func (e SpeciesError) RMSE() float64 {
	if e.Components == 0 {
		return 0
	}
	return math.Sqrt(e.SumSq / float64(e.Components))
}

// Sample is the surrogate-vs-reference disagreement of a single compared step.
// Metrics that could not be computed are nil.
type Sample struct {
	Iteration int                     `json:"iteration"`
	EDiff     *float64                `json:"ediff,omitempty"`
	FMax      *float64                `json:"fmax,omitempty"`
	FRMSE     *float64                `json:"frmse,omitempty"`
	VMax      *float64                `json:"vmax,omitempty"`
	Species   map[string]SpeciesError `json:"species,omitempty"`
}

// SpeciesRMSE returns the per-species force RMSE of the sample.
func (s Sample) SpeciesRMSE() map[string]float64 {
	out := make(map[string]float64, len(s.Species))
	for sp, e := range s.Species {
		out[sp] = e.RMSE()
	}
	return out
}

// SpeciesNames returns the species of the sample in sorted order.
func (s Sample) SpeciesNames() []string {
	names := make([]string, 0, len(s.Species))
	for sp := range s.Species {
		names = append(names, sp)
	}
	sort.Strings(names)
	return names
}

// #endregion sample

// #region compute
// Compute derives the error sample of a validated frame pair.
// Energy error is the absolute total-energy difference, force errors are taken
// per Cartesian component, and the virial error is the largest absolute
// component difference when both sides report a virial.
func Compute(p frame.Pair) Sample {
	s := Sample{Iteration: p.Iteration}

	if p.Reference.Energy != nil && p.Surrogate.Energy != nil {
		s.EDiff = ptr(math.Abs(*p.Reference.Energy - *p.Surrogate.Energy))
	}

	n := len(p.Species)
	if n > 0 && len(p.Reference.Forces) == n && len(p.Surrogate.Forces) == n {
		s.Species = make(map[string]SpeciesError)
		var sumSq, maxAbs float64
		for i, sp := range p.Species {
			e := s.Species[sp]
			for k := 0; k < 3; k++ {
				d := p.Reference.Forces[i][k] - p.Surrogate.Forces[i][k]
				e.Components++
				e.SumSq += d * d
				e.MaxAbs = math.Max(e.MaxAbs, math.Abs(d))
				sumSq += d * d
				maxAbs = math.Max(maxAbs, math.Abs(d))
			}
			s.Species[sp] = e
		}
		s.FMax = ptr(maxAbs)
		s.FRMSE = ptr(math.Sqrt(sumSq / float64(3*n)))
	}

	if p.Reference.Virial != nil && p.Surrogate.Virial != nil {
		var maxAbs float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				maxAbs = math.Max(maxAbs, math.Abs(p.Reference.Virial[i][j]-p.Surrogate.Virial[i][j]))
			}
		}
		s.VMax = ptr(maxAbs)
	}

	return s
}

func ptr(v float64) *float64 { return &v }

// #endregion compute
