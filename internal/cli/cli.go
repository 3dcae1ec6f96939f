package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/fileio"
	"github.com/hybrid-md/controller/internal/logging"
	"github.com/hybrid-md/controller/internal/protocol"
	"github.com/hybrid-md/controller/internal/refit"
	"github.com/hybrid-md/controller/internal/state"
)

// LockFileName returns the advisory lock guarding the run of seed.
func LockFileName(seed string) string {
	return seed + ".hybrid-md.lock"
}

// #region options
type options struct {
	configPath string
	dir        string
	stderr     io.Writer
}

// settingsPath resolves the config flag against the run directory.
func (o *options) settingsPath() string {
	if filepath.IsAbs(o.configPath) {
		return o.configPath
	}
	return filepath.Join(o.dir, o.configPath)
}

// #endregion options

// #region root
// NewRootCommand builds the hybrid-md command tree. The decision code of the
// executed phase is stored in *code.
func NewRootCommand(stdout, stderr io.Writer, code *int) *cobra.Command {
	opts := &options{stderr: stderr}

	root := &cobra.Command{
		Use:   "hybrid-md",
		Short: "Hybrid MD decision engine",
		Long: `Decides, step by step, whether the reference evaluator or the surrogate
potential drives a host MD run. Each phase answers with a bit-coded exit code.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultFileName, "settings file, relative to --dir unless absolute")
	root.PersistentFlags().StringVarP(&opts.dir, "dir", "d", ".", "run directory holding state and side files")

	root.AddCommand(
		phaseCommand(opts, code, "initialise <mode> <seed> [iteration]",
			"Create or recover the run state", cobra.RangeArgs(2, 3),
			(*protocol.Controller).Initialise),
		phaseCommand(opts, code, "pre-step <mode> <seed> <iteration>",
			"Decide how the coming step is evaluated", cobra.ExactArgs(3),
			(*protocol.Controller).PreStep),
		phaseCommand(opts, code, "post-step <mode> <seed> <iteration>",
			"Evaluate the finished step and adapt the sampling interval", cobra.ExactArgs(3),
			(*protocol.Controller).PostStep),
	)
	return root
}

// #endregion root

// #region phase
type phaseFunc func(c *protocol.Controller, ctx context.Context, seed string, iteration int) (int, error)

func phaseCommand(opts *options, code *int, use, short string, args cobra.PositionalArgs, run phaseFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			mode, seed := argv[0], argv[1]
			iteration := 0
			if len(argv) == 3 {
				n, err := strconv.Atoi(argv[2])
				if err != nil || n < 0 {
					return fmt.Errorf("iteration must be a non-negative integer, got %q", argv[2])
				}
				iteration = n
			}
			c, err := runPhase(cmd.Context(), opts, mode, seed, iteration, run)
			if err != nil {
				return err
			}
			*code = c
			return nil
		},
	}
}

// runPhase wires the collaborators of one invocation, runs the phase and
// releases everything again.
func runPhase(ctx context.Context, opts *options, mode, seed string, iteration int, run phaseFunc) (int, error) {
	settings, err := config.Load(opts.settingsPath())
	if err != nil {
		return protocol.FatalExitCode, err
	}
	logger := logging.New(settings.LogLevel, settings.LogFormat, opts.stderr).
		With(slog.String("seed", seed), slog.String("mode", mode))

	lock, err := fileio.TryLock(filepath.Join(opts.dir, LockFileName(seed)))
	if err != nil {
		if errors.Is(err, fileio.ErrLocked) {
			return protocol.FatalExitCode, fmt.Errorf("another invocation is running for %s: %w", seed, err)
		}
		return protocol.FatalExitCode, err
	}
	defer lock.Release()

	store, err := state.Open(opts.dir, seed)
	if err != nil {
		return protocol.FatalExitCode, fmt.Errorf("open state: %w", err)
	}
	defer store.Close()

	refitter, closer, err := refit.New(settings, logger)
	if err != nil {
		return protocol.FatalExitCode, err
	}
	defer closer.Close()

	ctl := protocol.NewController(protocol.Deps{
		Settings: settings,
		Store:    store,
		Dir:      opts.dir,
		Mode:     mode,
		Refitter: refitter,
		Logger:   logger,
	})
	return run(ctl, ctx, seed, iteration)
}

// #endregion phase

// #region run
// Run executes the command line and returns the process exit code. Failures
// of any kind exit with protocol.FatalExitCode.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	root := NewRootCommand(stdout, stderr, &code)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "hybrid-md: %v\n", err)
		return protocol.FatalExitCode
	}
	return code
}

// #endregion run
