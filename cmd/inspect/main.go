package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/hybrid-md/controller/internal/comparison"
	"github.com/hybrid-md/controller/internal/logging"
	"github.com/hybrid-md/controller/internal/state"
)

// #region main

func main() {
	dir := flag.String("dir", ".", "run directory holding <seed>.hybrid-md.db")
	seed := flag.String("seed", "", "seed of the run")
	last := flag.Int("last", 20, "show N most recent versions and phases")
	version := flag.String("version", "", "show single version detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *seed == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --dir path/to/run --seed X [--last N] [--version id] [--json]")
		os.Exit(2)
	}

	dbPath := filepath.Join(*dir, state.FileName(*seed))
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "no run state: %v\n", err)
		os.Exit(1)
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *version != "" {
		err = runDetailMode(store, *version, *jsonOut)
	} else {
		err = runListMode(store, *seed, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type versionRow struct {
	VersionID     string `json:"version_id"`
	Iteration     int    `json:"iteration"`
	Phase         string `json:"phase"`
	Interval      int    `json:"current_check_interval"`
	NextIsPreStep bool   `json:"next_is_pre_step"`
	DoComparison  bool   `json:"do_comparison"`
	DoUpdateModel bool   `json:"do_update_model"`
	CreatedAt     string `json:"created_at"`
}

type phaseRow struct {
	Iteration int    `json:"iteration"`
	Phase     string `json:"phase"`
	ExitCode  int    `json:"exit_code"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

type cumulativeSummary struct {
	Steps      int                `json:"steps"`
	EnergyRMSE float64            `json:"energy_rmse"`
	EnergyMax  float64            `json:"energy_max"`
	ForceRMSE  float64            `json:"force_rmse"`
	VirialMax  float64            `json:"virial_max"`
	Species    map[string]float64 `json:"species_force_rmse"`
}

type listOutput struct {
	Seed       string            `json:"seed"`
	Versions   []versionRow      `json:"versions"`
	Phases     []phaseRow        `json:"phases"`
	Samples    int               `json:"samples"`
	Breaches   int               `json:"breaches"`
	Cumulative cumulativeSummary `json:"cumulative"`
}

func runListMode(store *state.Store, seed string, last int, jsonOut bool) error {
	versions, err := store.ListVersions(seed, last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintf(os.Stderr, "no versions found for seed %s\n", seed)
		return nil
	}
	phases, err := logging.RecentPhases(store.DB(), seed, last)
	if err != nil {
		return err
	}
	samples, err := store.Samples(seed)
	if err != nil {
		return err
	}
	cum, err := store.Cumulative(seed)
	if err != nil {
		return err
	}

	out := listOutput{Seed: seed, Samples: len(samples), Cumulative: summarize(cum)}
	for _, v := range versions {
		out.Versions = append(out.Versions, toVersionRow(v))
	}
	for _, p := range phases {
		out.Phases = append(out.Phases, phaseRow{
			Iteration: p.Iteration,
			Phase:     p.Phase,
			ExitCode:  p.ExitCode,
			Decision:  p.Decision,
			Reason:    p.Reason,
			CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	for _, s := range samples {
		if !s.Within {
			out.Breaches++
		}
	}

	if jsonOut {
		return printJSON(out)
	}
	printListTable(out)
	return nil
}

func toVersionRow(v state.CarryState) versionRow {
	return versionRow{
		VersionID:     v.VersionID,
		Iteration:     v.Iteration,
		Phase:         string(v.Phase),
		Interval:      v.CurrentCheckInterval,
		NextIsPreStep: v.NextIsPreStep,
		DoComparison:  v.DoComparison,
		DoUpdateModel: v.DoUpdateModel,
		CreatedAt:     v.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

func summarize(cum *comparison.Cumulative) cumulativeSummary {
	s := cumulativeSummary{
		Steps:      cum.Steps,
		EnergyRMSE: cum.Energy.RMSE(),
		EnergyMax:  cum.Energy.MaxAbs,
		ForceRMSE:  cum.ForceRMSE(),
		VirialMax:  cum.Virial.MaxAbs,
		Species:    make(map[string]float64, len(cum.Forces)),
	}
	for sp, acc := range cum.Forces {
		s.Species[sp] = acc.RMSE()
	}
	return s
}

func printListTable(out listOutput) {
	fmt.Printf("%-10s  %9s  %-10s  %8s  %4s  %4s  %4s  %s\n",
		"Version", "Iteration", "Phase", "Interval", "Pre", "Cmp", "Upd", "Time")
	fmt.Printf("%-10s+-%9s+-%-10s+-%8s+-%4s+-%4s+-%4s+-%s\n",
		"----------", "---------", "----------", "--------", "----", "----", "----", "--------------------")
	for _, v := range out.Versions {
		fmt.Printf("%-10s  %9d  %-10s  %8d  %4s  %4s  %4s  %s\n",
			shortID(v.VersionID), v.Iteration, v.Phase, v.Interval,
			mark(v.NextIsPreStep), mark(v.DoComparison), mark(v.DoUpdateModel), v.CreatedAt)
	}

	if len(out.Phases) > 0 {
		fmt.Printf("\nPhase log (newest first):\n")
		for _, p := range out.Phases {
			fmt.Printf("  %5d  %-10s  exit=%-3d %-20s %s\n", p.Iteration, p.Phase, p.ExitCode, p.Decision, p.Reason)
		}
	}

	c := out.Cumulative
	fmt.Printf("\nComparisons: %d recorded, %d outside tolerance\n", out.Samples, out.Breaches)
	fmt.Printf("Cumulative errors over %d steps:\n", c.Steps)
	fmt.Printf("  energy  rmse %.6g  max %.6g\n", c.EnergyRMSE, c.EnergyMax)
	fmt.Printf("  forces  rmse %.6g\n", c.ForceRMSE)
	fmt.Printf("  virial  max  %.6g\n", c.VirialMax)
	species := make([]string, 0, len(c.Species))
	for sp := range c.Species {
		species = append(species, sp)
	}
	sort.Strings(species)
	for _, sp := range species {
		fmt.Printf("  %-6s  rmse %.6g\n", sp, c.Species[sp])
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	versionRow
	ParentID string `json:"parent_id"`
	Seed     string `json:"seed"`
}

func runDetailMode(store *state.Store, versionID string, jsonOut bool) error {
	v, err := store.GetVersion(versionID)
	if err != nil {
		return err
	}
	out := detailOutput{versionRow: toVersionRow(v), ParentID: v.ParentID, Seed: v.Seed}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Version:     %s\n", out.VersionID)
	fmt.Printf("Parent:      %s\n", out.ParentID)
	fmt.Printf("Seed:        %s\n", out.Seed)
	fmt.Printf("Created:     %s\n", out.CreatedAt)
	fmt.Printf("Iteration:   %d\n", out.Iteration)
	fmt.Printf("Phase:       %s\n", out.Phase)
	fmt.Printf("Interval:    %d\n", out.Interval)
	fmt.Printf("Next phase:  %s\n", nextPhase(out.NextIsPreStep))
	fmt.Printf("Comparison:  %v\n", out.DoComparison)
	fmt.Printf("Update:      %v\n", out.DoUpdateModel)
	return nil
}

func nextPhase(preStep bool) state.Phase {
	if preStep {
		return state.PhasePreStep
	}
	return state.PhasePostStep
}

// #endregion detail-mode

// #region output

func mark(b bool) string {
	if b {
		return "x"
	}
	return "-"
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
