package main

import (
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
	dir := flag.String("dir", ".", "run directory holding <seed>.hybrid-md.db (DB mode)")
	seed := flag.String("seed", "", "seed of the recorded run (DB mode)")
	configPath := flag.String("config", "", "settings to replay the run under (DB mode, default: <dir>/"+config.DefaultFileName+")")
	recordedUpdate := flag.Bool("recorded-can-update", false, "whether the recorded run could update its model (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	flag.Parse()

	if (*seed == "" && *fixturePath == "") || (*seed != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --dir path/to/run --seed X [--config alt.yaml]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath)
	} else {
		path := *configPath
		if path == "" {
			path = filepath.Join(*dir, config.DefaultFileName)
		}
		exitCode = runDBMode(*dir, *seed, path, *recordedUpdate)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-mode

func runDBMode(dir, seed, configPath string, recordedUpdate bool) int {
	settings, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		return 2
	}

	dbPath := filepath.Join(dir, state.FileName(seed))
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "no run state: %v\n", err)
		return 2
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	records, err := store.Samples(seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read samples: %v\n", err)
		return 2
	}
	if len(records) == 0 {
		fmt.Fprintf(os.Stderr, "no recorded comparison steps for seed %s\n", seed)
		return 2
	}

	samples, recorded := replay.FromRecords(records, recordedUpdate)
	results := replay.Replay(samples, settings)
	return printComparison(results, recorded, nil)
}

// #endregion db-mode

// #region output

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	results := replay.Replay(f.Samples, f.Config.ToSettings())

	expected := make([]string, len(f.ExpectedResults))
	intervals := make([]int, len(f.ExpectedResults))
	for i, e := range f.ExpectedResults {
		expected[i] = e.Action
		intervals[i] = e.Interval
	}

	return printComparison(results, expected, intervals)
}

// printComparison outputs a comparison table and returns the exit code.
// expected holds the recorded actions (from DB or fixture); intervals may be
// nil when no expected interval trajectory is known.
func printComparison(results []replay.ReplayResult, expected []string, intervals []int) int {
	fmt.Printf("%-10s| %-9s| %-9s| %-9s| %s\n", "Iteration", "Expected", "Replayed", "Interval", "Match")
	fmt.Printf("%-10s+%-10s+%-10s+%-10s+%s\n",
		"----------", "----------", "----------", "----------", "------")

	matches := 0
	total := len(results)
	if len(expected) < total {
		total = len(expected)
	}

	for i := 0; i < total; i++ {
		r := results[i]
		ok := replay.ActionsMatch(expected[i], r.Action)
		if intervals != nil && i < len(intervals) && intervals[i] != r.IntervalAfter {
			ok = false
		}
		match := "DIFF"
		if ok {
			match = "OK"
			matches++
		}
		interval := fmt.Sprintf("%d->%d", r.IntervalBefore, r.IntervalAfter)
		fmt.Printf("%-10d| %-9s| %-9s| %-9s| %s\n", r.Iteration, expected[i], r.Action, interval, match)
	}

	summary := replay.Summarize(results)
	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)
	fmt.Printf("Replayed: %d accept, %d breach, %d refit, final interval %d (max %d)\n",
		summary.Accepts, summary.Breaches, summary.Refits, summary.FinalInterval, summary.MaxInterval)

	if diverge > 0 {
		return 1
	}
	return 0
}

// #endregion output
