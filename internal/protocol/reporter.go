package protocol

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hybrid-md/controller/internal/comparison"
	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/logging"
	"github.com/hybrid-md/controller/internal/tolerance"
)

// RunLogName returns the log the host replays when bit0 of an exit code is set.
func RunLogName(seed string) string {
	return seed + ".hybrid-md.log"
}

// #region reporter
// Reporter receives the run banner and the error tables of compared steps.
type Reporter interface {
	RunStarted(seed string, iteration int, fresh bool, s config.Settings)
	StepErrors(seed string, sample comparison.Sample, decision tolerance.Decision)
	CumulativeErrors(seed string, iteration int, cum *comparison.Cumulative)
}

// Reporters fans every report out to each member.
type Reporters []Reporter

func (rs Reporters) RunStarted(seed string, iteration int, fresh bool, s config.Settings) {
	for _, r := range rs {
		r.RunStarted(seed, iteration, fresh, s)
	}
}

func (rs Reporters) StepErrors(seed string, sample comparison.Sample, d tolerance.Decision) {
	for _, r := range rs {
		r.StepErrors(seed, sample, d)
	}
}

func (rs Reporters) CumulativeErrors(seed string, iteration int, cum *comparison.Cumulative) {
	for _, r := range rs {
		r.CumulativeErrors(seed, iteration, cum)
	}
}

// #endregion reporter

// #region log-reporter
// LogReporter writes the error tables as structured log records.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) RunStarted(seed string, iteration int, fresh bool, s config.Settings) {
	r.Logger.Info("run settings",
		"seed", seed, "iteration", iteration, "fresh", fresh,
		"num_initial_steps", s.NumInitialSteps, "can_update", s.CanUpdate,
		"adaptive", s.Adaptive != nil, "check_interval", s.CheckInterval)
}

func (r LogReporter) StepErrors(seed string, s comparison.Sample, d tolerance.Decision) {
	attrs := []any{"seed", seed, "iteration", s.Iteration, "within", d.Within}
	attrs = appendMetric(attrs, "ediff", s.EDiff)
	attrs = appendMetric(attrs, "fmax", s.FMax)
	attrs = appendMetric(attrs, "frmse", s.FRMSE)
	attrs = appendMetric(attrs, "vmax", s.VMax)
	for _, sp := range s.SpeciesNames() {
		attrs = append(attrs, "frmse_"+sp, s.Species[sp].RMSE())
	}
	r.Logger.Info("step errors", attrs...)
	for _, b := range d.Breaches {
		r.Logger.Warn("tolerance exceeded", "seed", seed, "iteration", s.Iteration, "breach", b.String())
	}
}

func (r LogReporter) CumulativeErrors(seed string, iteration int, cum *comparison.Cumulative) {
	attrs := []any{
		"seed", seed,
		"iteration", iteration,
		"steps", cum.Steps,
		"energy_rmse", cum.Energy.RMSE(),
		"energy_max", cum.Energy.MaxAbs,
		"force_rmse", cum.ForceRMSE(),
		"virial_max", cum.Virial.MaxAbs,
	}
	r.Logger.Info("cumulative errors", attrs...)
}

func appendMetric(attrs []any, key string, v *float64) []any {
	if v == nil {
		return attrs
	}
	return append(attrs, key, *v)
}

// #endregion log-reporter

// #region file-reporter
// FileReporter appends plain-text tables to <seed>.hybrid-md.log in Dir.
// A fresh run truncates the log. Write failures are logged, never returned.
type FileReporter struct {
	Dir    string
	Logger *slog.Logger
}

func (r FileReporter) RunStarted(seed string, iteration int, fresh bool, s config.Settings) {
	r.write(seed, fresh, func(w io.Writer) {
		kind := "continuation"
		if fresh {
			kind = "fresh run"
		}
		fmt.Fprintf(w, "=== hybrid-md %s of %s at iteration %d ===\n", kind, seed, iteration)
		fmt.Fprintf(w, "initial steps:  %d\n", s.NumInitialSteps)
		if s.Adaptive != nil {
			fmt.Fprintf(w, "interval:       adaptive n_min=%d n_max=%d factor=%g\n", s.Adaptive.NMin, s.Adaptive.NMax, s.Adaptive.Factor)
		} else {
			fmt.Fprintf(w, "interval:       fixed %d\n", s.CheckInterval)
		}
		fmt.Fprintf(w, "model update:   %v\n", s.CanUpdate)
		fmt.Fprintf(w, "tolerances:     %s\n", formatTolerances(s.Tolerances))
	})
}

func (r FileReporter) StepErrors(seed string, s comparison.Sample, d tolerance.Decision) {
	r.write(seed, false, func(w io.Writer) {
		fmt.Fprintf(w, "--- step %d errors ---\n", s.Iteration)
		fmt.Fprintf(w, "  %-8s %s\n", "ediff", formatMetric(s.EDiff))
		fmt.Fprintf(w, "  %-8s %s\n", "fmax", formatMetric(s.FMax))
		fmt.Fprintf(w, "  %-8s %s\n", "frmse", formatMetric(s.FRMSE))
		for _, sp := range s.SpeciesNames() {
			fmt.Fprintf(w, "  %-8s %.6g\n", "frmse:"+sp, s.Species[sp].RMSE())
		}
		fmt.Fprintf(w, "  %-8s %s\n", "vmax", formatMetric(s.VMax))
		for _, b := range d.Breaches {
			fmt.Fprintf(w, "  exceeded: %s\n", b)
		}
		fmt.Fprintf(w, "  decision: %s\n", d.Reason)
	})
}

func (r FileReporter) CumulativeErrors(seed string, iteration int, cum *comparison.Cumulative) {
	r.write(seed, false, func(w io.Writer) {
		fmt.Fprintf(w, "--- cumulative errors after step %d (%d compared) ---\n", iteration, cum.Steps)
		fmt.Fprintf(w, "  energy rmse %.6g max %.6g\n", cum.Energy.RMSE(), cum.Energy.MaxAbs)
		fmt.Fprintf(w, "  forces rmse %.6g\n", cum.ForceRMSE())
		species := make([]string, 0, len(cum.Forces))
		for sp := range cum.Forces {
			species = append(species, sp)
		}
		sort.Strings(species)
		for _, sp := range species {
			fmt.Fprintf(w, "  %-6s rmse %.6g max %.6g\n", sp, cum.Forces[sp].RMSE(), cum.Forces[sp].MaxAbs)
		}
		fmt.Fprintf(w, "  virial max %.6g\n", cum.Virial.MaxAbs)
	})
}

func (r FileReporter) write(seed string, truncate bool, fn func(io.Writer)) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	path := filepath.Join(r.Dir, RunLogName(seed))
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		r.logger().Warn("run log write failed", "path", path, "error", err)
		return
	}
	fn(f)
	if err := f.Close(); err != nil {
		r.logger().Warn("run log write failed", "path", path, "error", err)
	}
}

func (r FileReporter) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}

func formatMetric(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.6g", *v)
}

func formatTolerances(t config.Tolerances) string {
	var parts []string
	for _, m := range []struct {
		name string
		v    *float64
	}{{"ediff", t.EDiff}, {"fmax", t.FMax}, {"frmse", t.FRMSE}, {"vmax", t.VMax}} {
		if m.v != nil {
			parts = append(parts, fmt.Sprintf("%s=%g", m.name, *m.v))
		}
	}
	return strings.Join(parts, " ")
}

// #endregion file-reporter
