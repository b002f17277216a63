package vm

// ---------------------------------------------------------------------------
// Interpreter loop
// ---------------------------------------------------------------------------

type runResult uint8

const (
	runReturn runResult = iota
	runYield
	runError
	// runEnterNative asks EvalFrame to continue in compiled code at f.PC.
	runEnterNative
)

// interpret executes f from f.PC until it returns, yields, raises out of
// the frame, or reaches a loop head from which compiled code can take over.
func (rt *RuntimeContext) interpret(ts *ThreadState, f *Frame) (Object, runResult) {
	code := f.Code
	for {
		idx := f.PC
		if idx < 0 || idx >= len(code.Instrs) {
			ts.Exc = Errorf(RuntimeErrorType, "%s: instruction index %d out of range", code.Name, idx)
			return nil, runError
		}
		f.Lasti = idx

		if rt.interrupts.Load() != 0 {
			if rt.HandleInterrupts(ts, f, idx, false) == SigError {
				if rt.unwind(ts, f, true) {
					continue
				}
				return nil, runError
			}
			if rt.Tracing() {
				rt.traceLine(f, idx)
			}
		}
		f.instrPrev = idx

		if code.Instrs[idx].Op == OpReturnValue {
			v := f.Pop()
			f.PC = idx + 1
			return v, runReturn
		}

		switch sig := rt.Exec(ts, f, idx); sig {
		case SigContinue:
			f.PC = idx + 1
		case SigJump:
			target := code.JumpTarget(idx)
			f.PC = target
			if target <= idx && rt.OnBackEdge(f) && !rt.Tracing() {
				return nil, runEnterNative
			}
		case SigYield:
			f.PC = idx + 1
			return nil, runYield
		case SigError, SigUnwind:
			if rt.unwind(ts, f, sig == SigError) {
				continue
			}
			return nil, runError
		default:
			ts.Exc = Errorf(RuntimeErrorType, "unexpected signal %s", sig)
			return nil, runError
		}
	}
}

// traceLine emits a line event for idx when it starts a source line or
// control moved backwards onto it.
func (rt *RuntimeContext) traceLine(f *Frame, idx int) {
	if f.Code.StartsLine(idx) || idx < f.instrPrev {
		rt.tracer.Line(f.Code, f.Code.Line(idx))
	}
}
