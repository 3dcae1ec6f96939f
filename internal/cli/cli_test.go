package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrid-md/controller/internal/config"
	"github.com/hybrid-md/controller/internal/fileio"
	"github.com/hybrid-md/controller/internal/frame"
	"github.com/hybrid-md/controller/internal/protocol"
)

func runDir(t *testing.T, settings string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFileName), []byte(settings), 0o644))
	return dir
}

func writeFrame(t *testing.T, dir string, iteration int, forceError float64) {
	t.Helper()
	fe := strconv.FormatFloat(forceError, 'f', -1, 64)
	body := `{"iteration": ` + strconv.Itoa(iteration) + `, "species": ["Si"],
	  "reference": {"energy": -5.0, "forces": [[0, 0, 0]]},
	  "surrogate": {"energy": -5.0, "forces": [[` + fe + `, 0, 0]]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, frame.FileName("X")), []byte(body), 0o644))
}

func run(t *testing.T, dir string, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), append(args, "--dir", dir), &stdout, &stderr)
	return code, stderr.String()
}

func TestFullStepCycle(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\ncheck_interval: 2\n")

	code, _ := run(t, dir, "initialise", "castep", "X")
	assert.Equal(t, 1, code)

	code, _ = run(t, dir, "pre-step", "castep", "X", "0")
	assert.Equal(t, protocol.PreStepFlags{LogReplay: true, ReferenceNow: true}, protocol.DecodePreStep(code))

	writeFrame(t, dir, 0, 0.01)
	code, _ = run(t, dir, "post-step", "castep", "X", "0")
	assert.Equal(t, 5, code)

	raw, err := os.ReadFile(filepath.Join(dir, protocol.SideFileName("X")))
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(raw))

	code, _ = run(t, dir, "pre-step", "castep", "X", "1")
	assert.Equal(t, protocol.PreStepFlags{LogReplay: true, ReferenceNext: true, CellUpdate: true, SurrogateForces: true},
		protocol.DecodePreStep(code))
	code, _ = run(t, dir, "post-step", "castep", "X", "1")
	assert.Equal(t, 0, code)
}

func TestBootstrapInitialise(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\nnum_initial_steps: 3\n")
	code, _ := run(t, dir, "initialise", "castep", "X", "0")
	assert.Equal(t, 3, code)
}

func TestOrderViolationIsFatal(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\n")
	code, _ := run(t, dir, "initialise", "castep", "X")
	require.Equal(t, 1, code)

	code, stderr := run(t, dir, "post-step", "castep", "X", "0")
	assert.Equal(t, protocol.FatalExitCode, code)
	assert.Contains(t, stderr, "out of order")
}

func TestContinuationWithoutStateIsFatal(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\n")
	code, stderr := run(t, dir, "initialise", "castep", "X", "4")
	assert.Equal(t, protocol.FatalExitCode, code)
	assert.Contains(t, stderr, "cannot recover")
}

func TestInvalidInvocationsAreFatal(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\n")
	cases := map[string][]string{
		"missing iteration":  {"pre-step", "castep", "X"},
		"negative iteration": {"pre-step", "castep", "X", "-1"},
		"not a number":       {"post-step", "castep", "X", "three"},
		"unknown phase":      {"mid-step", "castep", "X", "1"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _ := run(t, dir, args...)
			assert.Equal(t, protocol.FatalExitCode, code)
		})
	}
}

func TestMissingConfigIsFatal(t *testing.T) {
	code, stderr := run(t, t.TempDir(), "initialise", "castep", "X")
	assert.Equal(t, protocol.FatalExitCode, code)
	assert.Contains(t, stderr, "configuration")
}

func TestConfigFlagOverridesDefault(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\n")
	alt := filepath.Join(t.TempDir(), "alt.yaml")
	require.NoError(t, os.WriteFile(alt, []byte("tolerances: {vmax: 1.0}\nnum_initial_steps: 2\n"), 0o644))

	code, _ := run(t, dir, "initialise", "castep", "X", "--config", alt)
	assert.Equal(t, 3, code)
}

func TestConcurrentInvocationIsRejected(t *testing.T) {
	dir := runDir(t, "tolerances: {fmax: 0.1}\n")
	lock, err := fileio.TryLock(filepath.Join(dir, LockFileName("X")))
	require.NoError(t, err)
	defer lock.Release()

	code, stderr := run(t, dir, "initialise", "castep", "X")
	assert.Equal(t, protocol.FatalExitCode, code)
	assert.Contains(t, stderr, "another invocation")
}
