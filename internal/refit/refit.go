package refit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hybrid-md/controller/internal/config"
)

// #region noop
// Noop accepts every request without training. Used when the model may not be updated.
type Noop struct{}

func (Noop) Refit(context.Context, Request) error { return nil }

// #endregion noop

// #region factory
// New builds the refitter configured in s. The returned closer releases any
// connection the refitter holds.
func New(s config.Settings, logger *slog.Logger) (Refitter, io.Closer, error) {
	switch {
	case s.Refit.GRPCAddress != "":
		g, err := NewGRPCRefitter(s.Refit.GRPCAddress)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case len(s.Refit.Command) > 0:
		return CommandRefitter{Argv: s.Refit.Command, Logger: logger}, nopCloser{}, nil
	default:
		return Noop{}, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewRequest assembles the request for a refit of seed at iteration.
func NewRequest(s config.Settings, dir, seed string, iteration int, currentData string, bootstrap bool) Request {
	return Request{
		ID:           uuid.New().String(),
		Seed:         seed,
		Iteration:    iteration,
		Dir:          dir,
		ModelName:    filepath.Join(dir, s.Refit.ModelName),
		FunctionName: s.Refit.FunctionName,
		PreviousData: append([]string(nil), s.Refit.PreviousData...),
		CurrentData:  currentData,
		Bootstrap:    bootstrap,
	}
}

// #endregion factory
