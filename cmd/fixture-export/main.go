package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/replay"
	"github.com/hybrid-md/controller/internal/state"
)

// #region main

func main() {
	dir := flag.String("dir", ".", "run directory holding <seed>.hybrid-md.db")
	seed := flag.String("seed", "", "seed of the recorded run")
	configPath := flag.String("config", "", "settings the run was recorded with (default: <dir>/"+config.DefaultFileName+")")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *seed == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --dir path/to/run --seed X --out path/to/fixture.json")
		os.Exit(2)
	}
	if *configPath == "" {
		*configPath = filepath.Join(*dir, config.DefaultFileName)
	}

	if err := run(*dir, *seed, *configPath, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dir, seed, configPath, outPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(dir, state.FileName(seed))
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no run state: %w", err)
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	records, err := store.Samples(seed)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no comparison steps recorded for seed %s", seed)
	}

	// Newest first: the first post-step seen for an iteration is the one that stuck.
	versions, err := store.ListVersions(seed, -1)
	if err != nil {
		return err
	}
	intervals := make(map[int]int)
	for _, v := range versions {
		if v.Phase != state.PhasePostStep {
			continue
		}
		if _, seen := intervals[v.Iteration]; !seen {
			intervals[v.Iteration] = v.CurrentCheckInterval
		}
	}

	fmt.Printf("Found %d comparison steps\n", len(records))
	desc := fmt.Sprintf("Run export: %d comparison steps of seed %s", len(records), seed)
	fixture := replay.NewFixture(desc, settings, records, intervals)
	return writeFixture(fixture, outPath)
}

// #endregion extract

// #region output

func writeFixture(f replay.Fixture, path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// #endregion output
