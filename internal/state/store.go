package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hybrid-md/controller/internal/comparison"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS carry_versions (
	seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id             TEXT NOT NULL UNIQUE,
	parent_id              TEXT,
	seed                   TEXT NOT NULL,
	iteration              INTEGER NOT NULL,
	phase                  TEXT NOT NULL,
	current_check_interval INTEGER NOT NULL,
	next_is_pre_step       INTEGER NOT NULL,
	do_comparison          INTEGER NOT NULL,
	do_update_model        INTEGER NOT NULL,
	created_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_carry (
	seed       TEXT PRIMARY KEY,
	version_id TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES carry_versions(version_id)
);

CREATE TABLE IF NOT EXISTS error_samples (
	seed        TEXT NOT NULL,
	iteration   INTEGER NOT NULL,
	version_id  TEXT NOT NULL,
	sample_json TEXT NOT NULL,
	within      INTEGER NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (seed, iteration)
);

CREATE TABLE IF NOT EXISTS cumulative_stats (
	seed       TEXT PRIMARY KEY,
	stats_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS phase_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	seed       TEXT NOT NULL,
	iteration  INTEGER NOT NULL,
	phase      TEXT NOT NULL,
	mode       TEXT,
	version_id TEXT,
	exit_code  INTEGER NOT NULL,
	decision   TEXT NOT NULL,
	reason     TEXT,
	created_at TEXT NOT NULL
);
`

const carryColumns = `version_id, parent_id, seed, iteration, phase, current_check_interval,
	next_is_pre_step, do_comparison, do_update_model, created_at`

// #endregion schema

// #region store-struct
// Store persists carry state, comparison samples and cumulative statistics in SQLite.
// Each write is a single transaction, so a crash leaves either the old or the
// new state and never a partial one.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// FileName returns the database file that holds the state of seed.
func FileName(seed string) string {
	return seed + ".hybrid-md.db"
}

// Open opens the per-seed database inside dir.
func Open(dir, seed string) (*Store, error) {
	return NewStore(filepath.Join(dir, FileName(seed)))
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma sync: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region current
// Current reads the active carry state of seed. ErrNoState if there is none.
func (s *Store) Current(seed string) (CarryState, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_carry WHERE seed = ?`, seed).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return CarryState{}, fmt.Errorf("seed %q: %w", seed, ErrNoState)
	}
	if err != nil {
		return CarryState{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion current

// #region get-version
// GetVersion retrieves a specific carry state version by ID.
func (s *Store) GetVersion(id string) (CarryState, error) {
	row := s.db.QueryRow(`SELECT `+carryColumns+` FROM carry_versions WHERE version_id = ?`, id)
	rec, err := scanCarry(row)
	if err != nil {
		return CarryState{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-version

// #region last-completed
// LastCompleted returns the newest version written by initialise or by a
// completed post-step. A version left by a pre-step whose post-step never ran
// is skipped.
func (s *Store) LastCompleted(seed string) (CarryState, error) {
	row := s.db.QueryRow(
		`SELECT `+carryColumns+` FROM carry_versions
		 WHERE seed = ? AND phase IN (?, ?)
		 ORDER BY seq DESC LIMIT 1`,
		seed, string(PhaseInitialise), string(PhasePostStep),
	)
	rec, err := scanCarry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CarryState{}, fmt.Errorf("seed %q: %w", seed, ErrNoState)
	}
	if err != nil {
		return CarryState{}, fmt.Errorf("last completed: %w", err)
	}
	return rec, nil
}

// #endregion last-completed

// #region commit
// Commit stores rec as a new version and makes it active.
func (s *Store) Commit(rec *CarryState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertCarry(tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// Initialise stores the first carry state of a run. A fresh run also drops
// the samples and cumulative statistics of any previous run of the same seed.
func (s *Store) Initialise(rec *CarryState, fresh bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if fresh {
		if _, err := tx.Exec(`DELETE FROM error_samples WHERE seed = ?`, rec.Seed); err != nil {
			return fmt.Errorf("clear samples: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM cumulative_stats WHERE seed = ?`, rec.Seed); err != nil {
			return fmt.Errorf("clear stats: %w", err)
		}
	}
	if err := insertCarry(tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitPostStep stores the post-step carry state together with the step's
// sample and the updated cumulative statistics.
func (s *Store) CommitPostStep(c *PostStepCommit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertCarry(tx, &c.Carry); err != nil {
		return err
	}
	now := c.Carry.CreatedAt.Format(time.RFC3339Nano)

	if c.Sample != nil {
		sampleJSON, err := json.Marshal(c.Sample)
		if err != nil {
			return fmt.Errorf("marshal sample: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO error_samples (seed, iteration, version_id, sample_json, within, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(seed, iteration) DO UPDATE SET
			   version_id = excluded.version_id,
			   sample_json = excluded.sample_json,
			   within = excluded.within,
			   created_at = excluded.created_at`,
			c.Carry.Seed, c.Carry.Iteration, c.Carry.VersionID, string(sampleJSON), boolToInt(c.Within), now,
		)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}

	if c.Cumulative != nil {
		statsJSON, err := json.Marshal(c.Cumulative)
		if err != nil {
			return fmt.Errorf("marshal cumulative: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO cumulative_stats (seed, stats_json, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(seed) DO UPDATE SET stats_json = excluded.stats_json, updated_at = excluded.updated_at`,
			c.Carry.Seed, string(statsJSON), now,
		)
		if err != nil {
			return fmt.Errorf("upsert cumulative: %w", err)
		}
	}

	return tx.Commit()
}

// insertCarry fills in identity fields, inserts the version and moves the
// seed's active pointer to it.
func insertCarry(tx *sql.Tx, rec *CarryState) error {
	if !rec.Phase.Valid() {
		return fmt.Errorf("insert version: invalid phase %q", rec.Phase)
	}
	var parent sql.NullString
	err := tx.QueryRow(`SELECT version_id FROM active_carry WHERE seed = ?`, rec.Seed).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get active: %w", err)
	}
	rec.ParentID = parent.String
	rec.VersionID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()

	var parentPtr interface{}
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}

	_, err = tx.Exec(
		`INSERT INTO carry_versions (`+carryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, rec.Seed, rec.Iteration, string(rec.Phase), rec.CurrentCheckInterval,
		boolToInt(rec.NextIsPreStep), boolToInt(rec.DoComparison), boolToInt(rec.DoUpdateModel),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_carry (seed, version_id) VALUES (?, ?)
		 ON CONFLICT(seed) DO UPDATE SET version_id = excluded.version_id`,
		rec.Seed, rec.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}

// #endregion commit

// #region cumulative
// Cumulative returns the run-wide error statistics of seed, empty if none were recorded.
func (s *Store) Cumulative(seed string) (*comparison.Cumulative, error) {
	var statsJSON string
	err := s.db.QueryRow(`SELECT stats_json FROM cumulative_stats WHERE seed = ?`, seed).Scan(&statsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return comparison.NewCumulative(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cumulative: %w", err)
	}
	c := comparison.NewCumulative()
	if err := json.Unmarshal([]byte(statsJSON), c); err != nil {
		return nil, fmt.Errorf("unmarshal cumulative: %w", err)
	}
	return c, nil
}

// #endregion cumulative

// #region samples
// Samples returns the recorded comparison steps of seed in iteration order.
func (s *Store) Samples(seed string) ([]SampleRecord, error) {
	rows, err := s.db.Query(
		`SELECT seed, iteration, version_id, sample_json, within, created_at
		 FROM error_samples WHERE seed = ? ORDER BY iteration ASC`, seed,
	)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var records []SampleRecord
	for rows.Next() {
		var rec SampleRecord
		var sampleJSON, createdStr string
		var within int64
		if err := rows.Scan(&rec.Seed, &rec.Iteration, &rec.VersionID, &sampleJSON, &within, &createdStr); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := json.Unmarshal([]byte(sampleJSON), &rec.Sample); err != nil {
			return nil, fmt.Errorf("unmarshal sample: %w", err)
		}
		rec.Within = within != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion samples

// #region list-versions
// ListVersions returns the most recent carry state versions of seed, newest first.
func (s *Store) ListVersions(seed string, limit int) ([]CarryState, error) {
	rows, err := s.db.Query(
		`SELECT `+carryColumns+` FROM carry_versions WHERE seed = ? ORDER BY seq DESC LIMIT ?`,
		seed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []CarryState
	for rows.Next() {
		rec, err := scanCarry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions

// #region scan
type scanner interface {
	Scan(dest ...any) error
}

func scanCarry(row scanner) (CarryState, error) {
	var rec CarryState
	var parentID sql.NullString
	var phase, createdStr string
	var nextPre, doCmp, doUpd int64

	err := row.Scan(
		&rec.VersionID, &parentID, &rec.Seed, &rec.Iteration, &phase, &rec.CurrentCheckInterval,
		&nextPre, &doCmp, &doUpd, &createdStr,
	)
	if err != nil {
		return CarryState{}, err
	}
	rec.ParentID = parentID.String
	rec.Phase = Phase(phase)
	rec.NextIsPreStep = nextPre != 0
	rec.DoComparison = doCmp != 0
	rec.DoUpdateModel = doUpd != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion scan
