package protocol

import (
	"errors"
	"fmt"

	"github.com/hybrid-md/controller/internal/state"
)

// #region order-error
// ProtocolOrderError reports a phase called out of turn.
type ProtocolOrderError struct {
	Seed      string
	Iteration int
	Called    state.Phase
	Expected  state.Phase
}

func (e *ProtocolOrderError) Error() string {
	return fmt.Sprintf("%s called out of order for %s at iteration %d, expected %s",
		e.Called, e.Seed, e.Iteration, e.Expected)
}

// #endregion order-error

// #region recovery-error
// RecoveryError reports carry state that is missing or unreadable when it was expected.
type RecoveryError struct {
	Seed      string
	Iteration int
	Err       error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("cannot recover state of %s at iteration %d: %v", e.Seed, e.Iteration, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// #endregion recovery-error

// IsOrderError reports whether err is (or wraps) a ProtocolOrderError.
func IsOrderError(err error) bool {
	var oe *ProtocolOrderError
	return errors.As(err, &oe)
}
