package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrDataGap marks reference or surrogate output that is missing or incomplete
// for a step that expected a comparison.
var ErrDataGap = errors.New("frame data unavailable")

// #region types
// Calculation is one evaluator's output for a structure.
type Calculation struct {
	Energy *float64       `json:"energy,omitempty"`
	Forces [][3]float64   `json:"forces,omitempty"`
	Virial *[3][3]float64 `json:"virial,omitempty"`
}

// Pair holds the reference and surrogate outputs of the same step.
type Pair struct {
	Iteration int         `json:"iteration"`
	Species   []string    `json:"species"`
	Reference Calculation `json:"reference"`
	Surrogate Calculation `json:"surrogate"`
}

// Source loads the outputs of a comparison step.
type Source interface {
	Load(ctx context.Context, seed string, iteration int) (Pair, error)
}

// #endregion types

// #region json-source
// FileName returns the frame file the host writes for seed.
func FileName(seed string) string {
	return seed + ".hybrid-md-frame.json"
}

// JSONSource reads <seed>.hybrid-md-frame.json from Dir.
type JSONSource struct {
	Dir string
}

// Load reads and checks the frame written for iteration.
func (s JSONSource) Load(ctx context.Context, seed string, iteration int) (Pair, error) {
	if err := ctx.Err(); err != nil {
		return Pair{}, err
	}
	path := filepath.Join(s.Dir, FileName(seed))
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Pair{}, fmt.Errorf("%w: %s missing", ErrDataGap, path)
		}
		return Pair{}, fmt.Errorf("read frame: %w", err)
	}
	var p Pair
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pair{}, fmt.Errorf("decode frame %s: %w", path, err)
	}
	if p.Iteration != iteration {
		return Pair{}, fmt.Errorf("%w: frame is for iteration %d, expected %d", ErrDataGap, p.Iteration, iteration)
	}
	if err := p.Validate(); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// #endregion json-source

// #region validate
// Validate checks that both calculations are present and shaped alike.
func (p Pair) Validate() error {
	if p.Reference.Energy == nil || p.Surrogate.Energy == nil {
		return fmt.Errorf("%w: energy missing", ErrDataGap)
	}
	n := len(p.Species)
	if len(p.Reference.Forces) != n || len(p.Surrogate.Forces) != n {
		return fmt.Errorf("%w: forces for %d atoms expected, got reference=%d surrogate=%d",
			ErrDataGap, n, len(p.Reference.Forces), len(p.Surrogate.Forces))
	}
	return nil
}

// #endregion validate
