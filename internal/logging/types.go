package logging

import "time"

// #region phase-entry
// PhaseEntry is a single row in the phase_log table.
type PhaseEntry struct {
	Seed      string
	Iteration int
	Phase     string // "initialise" | "pre-step" | "post-step"
	Mode      string
	VersionID string
	ExitCode  int
	Decision  string
	Reason    string
	CreatedAt time.Time
}

// #endregion phase-entry
