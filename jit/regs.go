package jit

// Reg is an object register. The backend has eight.
type Reg uint8

// XReg is an integer register. The backend has four.
type XReg uint8

// Register roles. This is the calling convention between generated code
// and the helpers in helpers.go:
//
//   - Helpers take their object arguments in ARG1..ARG4 and return their
//     result in RES and their Signal in X0. Secondary results come back in
//     ARG1.
//   - Helpers may clobber RES, ARG1..ARG4, TMP and every integer register.
//   - VSPRES and TMPPRES survive helper calls. The deferred stack keeps at
//     most one entry in RES and at most one in VSPRES.
//   - Helpers find the frame, the thread state and the runtime through the
//     machine, and the executing instruction through Frame.Lasti.
//   - Before any CALL the generated code sets Frame.SP to the materialized
//     stack depth.
const (
	RES     Reg = 0
	ARG1    Reg = 1
	ARG2    Reg = 2
	ARG3    Reg = 3
	ARG4    Reg = 4
	TMP     Reg = 5
	VSPRES  Reg = 6
	TMPPRES Reg = 7

	numRegs = 8
)

// Integer register roles. X0 receives helper signals; X1..X3 hold guard
// fields while a guard sequence runs.
const (
	XSIG XReg = 0
	X1   XReg = 1
	X2   XReg = 2
	X3   XReg = 3

	numXRegs = 4
)

var regNames = [numRegs]string{"res", "arg1", "arg2", "arg3", "arg4", "tmp", "vspres", "tmppres"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "r?"
}

func (x XReg) String() string {
	return [...]string{"x0", "x1", "x2", "x3"}[x&3]
}

// volatile reports whether helpers may clobber r.
func (r Reg) volatile() bool {
	return r != VSPRES && r != TMPPRES
}
