package vm

import "fmt"

// Signal is the result contract shared by the generic instruction
// implementations, the interpreter and compiled code.
type Signal int32

const (
	// SigError means an exception is pending in ThreadState.Exc and the
	// current frame needs a traceback entry. It is zero so that a cleared
	// result register reads as failure.
	SigError Signal = iota
	// SigContinue means fall through to the next instruction.
	SigContinue
	// SigUnwind means an exception is pending whose traceback is already
	// complete for this frame (re-raise).
	SigUnwind
	// SigYield means the frame suspended; the value is in Frame.YieldValue.
	SigYield
	// SigJump means the instruction's branch was taken.
	SigJump
	// SigDeopt asks compiled code to hand the frame to the interpreter.
	SigDeopt
)

func (s Signal) String() string {
	switch s {
	case SigError:
		return "error"
	case SigContinue:
		return "continue"
	case SigUnwind:
		return "unwind"
	case SigYield:
		return "yield"
	case SigJump:
		return "jump"
	case SigDeopt:
		return "deopt"
	}
	return fmt.Sprintf("signal(%d)", int32(s))
}

func fail(ts *ThreadState, err error) Signal {
	ts.Exc = AsException(err)
	return SigError
}

// takeExc removes the pending exception and returns it as an error.
func (ts *ThreadState) takeExc() error {
	e := ts.Exc
	ts.Exc = nil
	if e == nil {
		return NewError(RuntimeErrorType, "error return without exception set")
	}
	return e
}

func unboundLocal(f *Frame, idx int32) *Exception {
	return Errorf(UnboundLocalErrorType, "local variable '%s' referenced before assignment", f.Code.LocalNames[idx])
}

// Exec runs instruction idx of f against the materialized frame state. It
// is the slow path for every opcode except RETURN_VALUE, which the caller
// handles. Exec never changes f.PC: on SigJump the caller transfers control
// to the instruction's jump target.
func (rt *RuntimeContext) Exec(ts *ThreadState, f *Frame, idx int) Signal {
	in := f.Code.Instrs[idx]
	switch in.Op {
	case OpNOP:
	case OpPopTop:
		f.Pop()
	case OpRotTwo:
		f.Stack[f.SP-1], f.Stack[f.SP-2] = f.Stack[f.SP-2], f.Stack[f.SP-1]
	case OpRotThree:
		top := f.Stack[f.SP-1]
		f.Stack[f.SP-1] = f.Stack[f.SP-2]
		f.Stack[f.SP-2] = f.Stack[f.SP-3]
		f.Stack[f.SP-3] = top
	case OpDupTop:
		f.Push(f.Top())
	case OpLoadConst:
		f.Push(f.Code.Consts[in.Arg])
	case OpLoadFast:
		v := f.Locals[in.Arg]
		if v == nil {
			return fail(ts, unboundLocal(f, in.Arg))
		}
		f.Push(v)
	case OpStoreFast:
		f.Locals[in.Arg] = f.Pop()
	case OpDeleteFast:
		if f.Locals[in.Arg] == nil {
			return fail(ts, unboundLocal(f, in.Arg))
		}
		f.Locals[in.Arg] = nil
	case OpLoadGlobal:
		v, err := rt.LoadGlobalAt(ts, f, idx)
		if err != nil {
			return fail(ts, err)
		}
		f.Push(v)
	case OpStoreGlobal:
		f.Globals.Set(f.Code.Names[in.Arg], f.Pop())

	case OpLoadAttr:
		v, err := rt.LoadAttrAt(ts, f, idx, f.Top())
		if err != nil {
			return fail(ts, err)
		}
		f.SetTop(v)
	case OpStoreAttr:
		owner := f.Pop()
		v := f.Pop()
		if err := rt.StoreAttrAt(ts, f, idx, owner, v); err != nil {
			return fail(ts, err)
		}
	case OpDeleteAttr:
		if err := rt.DelAttr(ts, f.Pop(), f.Code.Names[in.Arg]); err != nil {
			return fail(ts, err)
		}
	case OpLoadMethod:
		meth, self, err := rt.LoadMethodAt(ts, f, idx, f.Pop())
		if err != nil {
			return fail(ts, err)
		}
		if self != nil {
			f.Push(meth)
			f.Push(self)
		} else {
			f.Push(nil)
			f.Push(meth)
		}
	case OpCallMethod:
		n := int(in.Arg)
		base := f.SP - n - 2
		var res Object
		var err error
		if meth := f.Stack[base]; meth != nil {
			res, err = rt.Call(ts, meth, f.argsFrom(base + 1))
		} else {
			res, err = rt.Call(ts, f.Stack[base+1], f.argsFrom(base + 2))
		}
		f.truncate(base)
		if err != nil {
			return fail(ts, err)
		}
		f.Push(res)
	case OpCallFunction:
		n := int(in.Arg)
		base := f.SP - n - 1
		res, err := rt.Call(ts, f.Stack[base], f.argsFrom(base + 1))
		f.truncate(base)
		if err != nil {
			return fail(ts, err)
		}
		f.Push(res)

	case OpBinaryAdd, OpBinarySubtract, OpBinaryMultiply, OpBinaryFloorDivide, OpBinaryModulo:
		r := f.Pop()
		v, err := BinaryOp(in.Op, f.Top(), r)
		if err != nil {
			return fail(ts, err)
		}
		f.SetTop(v)
	case OpBinarySubscr:
		i := f.Pop()
		v, err := Subscript(f.Top(), i)
		if err != nil {
			return fail(ts, err)
		}
		f.SetTop(v)
	case OpStoreSubscr:
		i := f.Pop()
		c := f.Pop()
		v := f.Pop()
		if err := StoreSubscript(c, i, v); err != nil {
			return fail(ts, err)
		}
	case OpCompareOp:
		r := f.Pop()
		v, err := Compare(CompareKind(in.Arg), f.Top(), r)
		if err != nil {
			return fail(ts, err)
		}
		f.SetTop(v)
	case OpUnaryNot:
		f.SetTop(NewBool(!IsTrue(f.Top())))
	case OpUnaryNegative:
		v, err := Negate(f.Top())
		if err != nil {
			return fail(ts, err)
		}
		f.SetTop(v)
	case OpBuildList:
		n := int(in.Arg)
		items := append([]Object(nil), f.Stack[f.SP-n:f.SP]...)
		f.truncate(f.SP - n)
		f.Push(NewList(items...))

	case OpGetIter:
		it, err := GetIter(f.Top())
		if err != nil {
			return fail(ts, err)
		}
		f.SetTop(it)
	case OpForIter:
		it, ok := f.Top().(Iterator)
		if !ok {
			return fail(ts, Errorf(TypeErrorType, "'%s' object is not an iterator", TypeName(f.Top())))
		}
		v, err := it.Next(rt, ts)
		if err != nil {
			return fail(ts, err)
		}
		if v == nil {
			f.Pop()
			return SigJump
		}
		f.Push(v)
	case OpJumpForward, OpJumpAbsolute:
		return SigJump
	case OpPopJumpIfFalse:
		if !IsTrue(f.Pop()) {
			return SigJump
		}
	case OpPopJumpIfTrue:
		if IsTrue(f.Pop()) {
			return SigJump
		}

	case OpSetupFinally:
		f.PushBlock(Block{Kind: BlockSetupFinally, Handler: f.Code.JumpTarget(idx), Level: f.SP})
	case OpPopBlock:
		f.PopBlock()
	case OpPopExcept:
		b, ok := f.PopBlock()
		if !ok || b.Kind != BlockExceptHandler {
			return fail(ts, NewError(RuntimeErrorType, "popped block is not an except handler"))
		}
		ts.Handled = b.Saved
	case OpRaiseVarargs:
		if in.Arg == 0 {
			if ts.Handled == nil {
				return fail(ts, NewError(RuntimeErrorType, "No active exception to reraise"))
			}
			ts.Exc = ts.Handled
			return SigUnwind
		}
		exc, err := rt.makeException(ts, f.Pop())
		if err != nil {
			return fail(ts, err)
		}
		ts.Exc = exc
		return SigError
	case OpReraise:
		exc, ok := f.Pop().(*Exception)
		if !ok {
			return fail(ts, NewError(RuntimeErrorType, "RERAISE of a non-exception"))
		}
		ts.Exc = exc
		return SigUnwind
	case OpYieldValue:
		f.YieldValue = f.Pop()
		return SigYield

	default:
		return fail(ts, Errorf(RuntimeErrorType, "opcode %s cannot be executed here", in.Op))
	}
	return SigContinue
}

func (rt *RuntimeContext) makeException(ts *ThreadState, o Object) (*Exception, error) {
	switch v := o.(type) {
	case *Exception:
		return v, nil
	case *Type:
		if _, ok := isExceptionType(v); ok {
			res, err := rt.Call(ts, v, nil)
			if err != nil {
				return nil, err
			}
			return res.(*Exception), nil
		}
	}
	return nil, NewError(TypeErrorType, "exceptions must derive from BaseException")
}
