package vm

// ---------------------------------------------------------------------------
// Deopt/resume bridge
//
// Compiled code and the interpreter share the Frame. A native run ends with
// an Exit whose tag names one of four continuation points; EvalFrame turns
// each into the next step without translating any state.
// ---------------------------------------------------------------------------

// Compiler turns a cache-warm function unit into native code.
type Compiler interface {
	// Compile returns the native code for code or an error. ErrEncoding and
	// ErrUnsupportedOpcode are local to the unit; ErrCodeMemoryExhausted
	// stops compilation process-wide.
	Compile(rt *RuntimeContext, code *FunctionUnit) (NativeCode, error)
}

// NativeCode is an installed compiled function.
type NativeCode interface {
	// Run executes from f.PC, which must be 0, a jump target or a generator
	// resume point, with the operand stack materialized up to f.SP.
	Run(rt *RuntimeContext, ts *ThreadState, f *Frame) Exit
	// Size is the encoded size in bytes.
	Size() int
}

// Exit tags.
const (
	ExitNormal uint32 = 0
	ExitError  uint32 = 1
	ExitYield  uint32 = 2
	ExitDeopt  uint32 = 3

	// ExitFlag qualifies ExitDeopt (the resume instruction owes a line
	// event) and ExitError (the traceback entry is already recorded).
	ExitFlag uint32 = 4

	exitTagMask uint32 = 3
)

// Exit is the result of a native run. The low two bits of Word are the tag.
// Value is the return value for ExitNormal.
type Exit struct {
	Word  uint32
	Value Object
}

// Tag returns the continuation point.
func (e Exit) Tag() uint32 { return e.Word & exitTagMask }

// NewLine reports whether a deopt resumes at the first trace event of a line.
func (e Exit) NewLine() bool { return e.Word&ExitFlag != 0 }

// TraceRecorded reports whether an error exit already carries this frame's
// traceback entry.
func (e Exit) TraceRecorded() bool { return e.Word&ExitFlag != 0 }

// EvalFrame runs f to completion or suspension. It returns the frame's
// result with SigContinue, the yielded value with SigYield, or nil with
// SigError and the exception pending in ts.Exc.
func (rt *RuntimeContext) EvalFrame(ts *ThreadState, f *Frame) (Object, Signal) {
	for {
		if f.Code.Native != nil && !rt.Tracing() {
			rt.Stats.NativeEntries++
			ex := f.Code.Native.Run(rt, ts, f)
			switch ex.Tag() {
			case ExitNormal:
				return ex.Value, SigContinue
			case ExitYield:
				return f.YieldValue, SigYield
			case ExitError:
				if !rt.unwind(ts, f, !ex.TraceRecorded()) {
					return nil, SigError
				}
				rt.Stats.HandlerReentries++
				continue
			case ExitDeopt:
				rt.Stats.Deopts++
				f.ResumeLineTracing(ex.NewLine())
			}
		}

		v, res := rt.interpret(ts, f)
		switch res {
		case runReturn:
			return v, SigContinue
		case runYield:
			return f.YieldValue, SigYield
		case runError:
			return nil, SigError
		}
		// runEnterNative: loop back into compiled code at f.PC.
	}
}

// unwind routes the pending exception to the innermost handler of f. It
// records a traceback entry for the failing instruction when addTrace is
// set, and reports false when the exception leaves the frame.
func (rt *RuntimeContext) unwind(ts *ThreadState, f *Frame, addTrace bool) bool {
	exc := ts.Exc
	if exc == nil {
		exc = NewError(RuntimeErrorType, "error return without exception set")
		ts.Exc = exc
	}
	if addTrace {
		exc.addTrace(f.Code, f.Code.Line(f.Lasti))
	}
	for {
		b, ok := f.PopBlock()
		if !ok {
			f.truncate(0)
			return false
		}
		switch b.Kind {
		case BlockExceptHandler:
			f.truncate(b.Level)
			ts.Handled = b.Saved
		case BlockSetupFinally:
			f.truncate(b.Level)
			f.PushBlock(Block{Kind: BlockExceptHandler, Level: f.SP, Saved: ts.Handled})
			ts.Exc = nil
			ts.Handled = exc
			f.Push(exc)
			f.PC = b.Handler
			return true
		}
	}
}
