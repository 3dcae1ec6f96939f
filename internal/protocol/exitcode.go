package protocol

// FatalExitCode is returned to the host when a phase fails. It lies outside
// every decision code range (0..31).
const FatalExitCode = 64

// #region bit-packing
// Pack turns flags into an exit code, flags[0] being the least significant bit.
func Pack(flags ...bool) int {
	code := 0
	for i, set := range flags {
		if set {
			code |= 1 << i
		}
	}
	return code
}

// Unpack is the inverse of Pack for n flags.
func Unpack(code, n int) []bool {
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = code&(1<<i) != 0
	}
	return flags
}

// #endregion bit-packing

// #region init-flags
// InitFlags is the decision returned by initialise.
type InitFlags struct {
	LogReplay bool // host reads the decision log
	Bootstrap bool // the first steps must force the reference evaluator
}

func (f InitFlags) Code() int { return Pack(f.LogReplay, f.Bootstrap) }

// DecodeInit reads an initialise exit code.
func DecodeInit(code int) InitFlags {
	b := Unpack(code, 2)
	return InitFlags{LogReplay: b[0], Bootstrap: b[1]}
}

// #endregion init-flags

// #region pre-step-flags
// PreStepFlags is the decision returned by pre-step.
type PreStepFlags struct {
	LogReplay       bool
	ReferenceNow    bool
	ReferenceNext   bool
	CellUpdate      bool
	SurrogateForces bool
}

func (f PreStepFlags) Code() int {
	return Pack(f.LogReplay, f.ReferenceNow, f.ReferenceNext, f.CellUpdate, f.SurrogateForces)
}

// DecodePreStep reads a pre-step exit code.
func DecodePreStep(code int) PreStepFlags {
	b := Unpack(code, 5)
	return PreStepFlags{LogReplay: b[0], ReferenceNow: b[1], ReferenceNext: b[2], CellUpdate: b[3], SurrogateForces: b[4]}
}

// #endregion pre-step-flags

// #region post-step-flags
// PostStepFlags is the decision returned by post-step.
type PostStepFlags struct {
	Compared        bool
	RefitRequested  bool
	IntervalWritten bool
}

func (f PostStepFlags) Code() int { return Pack(f.Compared, f.RefitRequested, f.IntervalWritten) }

// DecodePostStep reads a post-step exit code.
func DecodePostStep(code int) PostStepFlags {
	b := Unpack(code, 3)
	return PostStepFlags{Compared: b[0], RefitRequested: b[1], IntervalWritten: b[2]}
}

// #endregion post-step-flags
