package comparison

import "math"

// #region accumulator
// Accumulator keeps running error statistics of one quantity.
type Accumulator struct {
	Count  int     `json:"count"`
	SumSq  float64 `json:"sum_sq"`
	MaxAbs float64 `json:"max_abs"`
}

// Add folds a single observed error into the accumulator.
func (a *Accumulator) Add(v float64) {
	a.Count++
	a.SumSq += v * v
	a.MaxAbs = math.Max(a.MaxAbs, math.Abs(v))
}

func (a *Accumulator) merge(e SpeciesError) {
	a.Count += e.Components
	a.SumSq += e.SumSq
	a.MaxAbs = math.Max(a.MaxAbs, e.MaxAbs)
}

// RMSE is the root mean square of everything added so far.
func (a Accumulator) RMSE() float64 {
	if a.Count == 0 {
		return 0
	}
	return math.Sqrt(a.SumSq / float64(a.Count))
}

// #endregion accumulator

// #region cumulative
// Cumulative holds the run-wide error statistics. It only ever grows.
type Cumulative struct {
	Steps  int                     `json:"steps"`
	Energy Accumulator             `json:"energy"`
	Virial Accumulator             `json:"virial"`
	Forces map[string]*Accumulator `json:"forces"`
}

// NewCumulative returns empty statistics.
func NewCumulative() *Cumulative {
	return &Cumulative{Forces: make(map[string]*Accumulator)}
}

// Fold adds a step's sample to the running statistics.
func (c *Cumulative) Fold(s Sample) {
	if c.Forces == nil {
		c.Forces = make(map[string]*Accumulator)
	}
	c.Steps++
	if s.EDiff != nil {
		c.Energy.Add(*s.EDiff)
	}
	if s.VMax != nil {
		c.Virial.Add(*s.VMax)
	}
	for sp, e := range s.Species {
		acc, ok := c.Forces[sp]
		if !ok {
			acc = &Accumulator{}
			c.Forces[sp] = acc
		}
		acc.merge(e)
	}
}

// ForceRMSE returns the cumulative force RMSE over all species.
func (c *Cumulative) ForceRMSE() float64 {
	var total Accumulator
	for _, acc := range c.Forces {
		total.Count += acc.Count
		total.SumSq += acc.SumSq
	}
	return total.RMSE()
}

// #endregion cumulative
