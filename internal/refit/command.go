package refit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// #region command-refitter
// CommandRefitter runs an external training program. The request is passed in
// HYBRID_MD_* environment variables; a non-zero exit is a failed refit.
type CommandRefitter struct {
	Argv   []string
	Logger *slog.Logger
}

// Refit runs the training program in the request's run directory.
func (c CommandRefitter) Refit(ctx context.Context, req Request) error {
	if len(c.Argv) == 0 {
		return errors.New("refit command is empty")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), Env(req)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if c.Logger != nil {
		c.Logger.Debug("refit command finished",
			"argv", strings.Join(c.Argv, " "), "request", req.ID, "output", out.String())
	}
	if err != nil {
		return fmt.Errorf("run %s: %w: %s", c.Argv[0], err, lastLine(out.String()))
	}
	return nil
}

// Env renders the request as environment variables.
func Env(req Request) []string {
	bootstrap := "0"
	if req.Bootstrap {
		bootstrap = "1"
	}
	return []string{
		"HYBRID_MD_REFIT_ID=" + req.ID,
		"HYBRID_MD_SEED=" + req.Seed,
		"HYBRID_MD_ITERATION=" + strconv.Itoa(req.Iteration),
		"HYBRID_MD_MODEL=" + req.ModelName,
		"HYBRID_MD_FUNCTION=" + req.FunctionName,
		"HYBRID_MD_PREVIOUS_DATA=" + strings.Join(req.PreviousData, string(os.PathListSeparator)),
		"HYBRID_MD_CURRENT_DATA=" + req.CurrentData,
		"HYBRID_MD_BOOTSTRAP=" + bootstrap,
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// #endregion command-refitter
