package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-phase
// LogPhase writes a phase entry to the phase_log table.
func LogPhase(db *sql.DB, entry PhaseEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO phase_log (seed, iteration, phase, mode, version_id, exit_code, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seed,
		entry.Iteration,
		entry.Phase,
		nullIfEmpty(entry.Mode),
		nullIfEmpty(entry.VersionID),
		entry.ExitCode,
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log phase: %w", err)
	}
	return nil
}

// RecentPhases returns the newest phase entries of seed, newest first.
func RecentPhases(db *sql.DB, seed string, limit int) ([]PhaseEntry, error) {
	rows, err := db.Query(
		`SELECT seed, iteration, phase, mode, version_id, exit_code, decision, reason, created_at
		 FROM phase_log WHERE seed = ? ORDER BY id DESC LIMIT ?`, seed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var entries []PhaseEntry
	for rows.Next() {
		var e PhaseEntry
		var mode, versionID, reason sql.NullString
		var created string
		if err := rows.Scan(&e.Seed, &e.Iteration, &e.Phase, &mode, &versionID, &e.ExitCode, &e.Decision, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		e.Mode = mode.String
		e.VersionID = versionID.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion log-phase

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
