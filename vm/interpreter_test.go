package vm

import (
	"reflect"
	"testing"
)

func coldTunables() Tunables {
	t := DefaultTunables()
	t.JITEnabled = false
	return t
}

func callUnit(t *testing.T, rt *RuntimeContext, code *FunctionUnit, globals *Dict, args ...Object) (Object, error) {
	t.Helper()
	if globals == nil {
		globals = NewDict()
	}
	return rt.Invoke(NewFunction(code, globals), args...)
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestInterpreterReturnConst(t *testing.T) {
	rt := NewRuntime(coldTunables())
	b := NewBuilder("f")
	b.LoadConst(Str("hello"))
	b.Op(OpReturnValue)

	v, err := callUnit(t, rt, b.MustBuild(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != Str("hello") {
		t.Errorf("result = %s, want \"hello\"", Repr(v))
	}
}

func TestInterpreterArithmetic(t *testing.T) {
	tests := []struct {
		op   Opcode
		l, r Int
		want Int
	}{
		{OpBinaryAdd, 3, 4, 7},
		{OpBinarySubtract, 3, 4, -1},
		{OpBinaryMultiply, -3, 4, -12},
		{OpBinaryFloorDivide, -7, 2, -4},
		{OpBinaryModulo, -7, 2, 1},
	}
	rt := NewRuntime(coldTunables())
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			b := NewBuilder("f", "a", "b")
			b.LoadFast("a")
			b.LoadFast("b")
			b.Op(tt.op)
			b.Op(OpReturnValue)
			v, err := callUnit(t, rt, b.MustBuild(), nil, tt.l, tt.r)
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.want {
				t.Errorf("%d %s %d = %s, want %d", tt.l, tt.op, tt.r, Repr(v), tt.want)
			}
		})
	}
}

func TestInterpreterLoop(t *testing.T) {
	rt := NewRuntime(coldTunables())
	v, err := callUnit(t, rt, countLoop(), nil, Int(1000))
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(1000) {
		t.Errorf("count(1000) = %s", Repr(v))
	}
}

func TestInterpreterStackOps(t *testing.T) {
	rt := NewRuntime(coldTunables())
	// [a, b, c] -> ROT_THREE -> [c, a, b] -> ROT_TWO -> [c, b, a]; DUP_TOP; POP_TOP
	b := NewBuilder("f", "a", "b", "c")
	b.LoadFast("a")
	b.LoadFast("b")
	b.LoadFast("c")
	b.Op(OpRotThree)
	b.Op(OpRotTwo)
	b.Op(OpDupTop)
	b.Op(OpPopTop)
	b.Emit(OpBuildList, 3)
	b.Op(OpReturnValue)

	v, err := callUnit(t, rt, b.MustBuild(), nil, Int(1), Int(2), Int(3))
	if err != nil {
		t.Fatal(err)
	}
	want := []Object{Int(3), Int(2), Int(1)}
	if l, ok := v.(*List); !ok || !reflect.DeepEqual(l.Items, want) {
		t.Errorf("result = %s, want [3, 2, 1]", Repr(v))
	}
}

func TestInterpreterGlobals(t *testing.T) {
	rt := NewRuntime(coldTunables())
	globals := NewDict()
	globals.Set("base", Int(40))

	b := NewBuilder("f")
	b.LoadGlobal("base")
	b.LoadGlobal("len")
	b.LoadConst(Str("ab"))
	b.CallFunction(1)
	b.Op(OpBinaryAdd)
	b.Op(OpDupTop)
	b.StoreGlobal("answer")
	b.Op(OpReturnValue)

	v, err := callUnit(t, rt, b.MustBuild(), globals)
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(42) {
		t.Errorf("result = %s, want 42", Repr(v))
	}
	if got, _ := globals.Get("answer"); got != Int(42) {
		t.Errorf("answer = %v, want 42", got)
	}
}

func TestInterpreterMethodCall(t *testing.T) {
	rt := NewRuntime(coldTunables())
	globals := NewDict()

	b := NewBuilder("Point.__init__", "self", "x")
	b.LoadFast("x")
	b.LoadFast("self")
	b.StoreAttr("x")
	b.LoadConst(None)
	b.Op(OpReturnValue)
	initFn := NewFunction(b.MustBuild(), globals)

	b = NewBuilder("Point.scaled", "self", "k")
	b.LoadFast("self")
	b.LoadAttr("x")
	b.LoadFast("k")
	b.Op(OpBinaryMultiply)
	b.Op(OpReturnValue)
	scaled := NewFunction(b.MustBuild(), globals)

	globals.Set("Point", NewType("Point", nil, map[string]Object{"__init__": initFn, "scaled": scaled}))

	// Point(7).scaled(6) + [1].pop()
	b = NewBuilder("main")
	b.LoadGlobal("Point")
	b.LoadConst(Int(7))
	b.CallFunction(1)
	b.LoadMethod("scaled")
	b.LoadConst(Int(6))
	b.CallMethod(1)
	b.LoadConst(Int(1))
	b.Emit(OpBuildList, 1)
	b.LoadMethod("pop")
	b.CallMethod(0)
	b.Op(OpBinaryAdd)
	b.Op(OpReturnValue)

	v, err := callUnit(t, rt, b.MustBuild(), globals)
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(43) {
		t.Errorf("result = %s, want 43", Repr(v))
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// safeDiv builds:
//
//	def safe_div(x):
//	    try:
//	        r = 10 // x
//	    except ZeroDivisionError:
//	        r = -1
//	    return r
func safeDiv() *FunctionUnit {
	b := NewBuilder("safe_div", "x")
	handler, reraise, end := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Jump(OpSetupFinally, handler)
	b.Line(2)
	b.LoadConst(Int(10))
	b.LoadFast("x")
	b.Op(OpBinaryFloorDivide)
	b.StoreFast("r")
	b.Op(OpPopBlock)
	b.Jump(OpJumpForward, end)
	b.Line(3)
	b.Mark(handler)
	b.Op(OpDupTop)
	b.LoadGlobal("ZeroDivisionError")
	b.Compare(CmpExcMatch)
	b.Jump(OpPopJumpIfFalse, reraise)
	b.Op(OpPopTop)
	b.Op(OpPopExcept)
	b.Line(4)
	b.LoadConst(Int(-1))
	b.StoreFast("r")
	b.Jump(OpJumpForward, end)
	b.Mark(reraise)
	b.Op(OpReraise)
	b.Line(5)
	b.Mark(end)
	b.LoadFast("r")
	b.Op(OpReturnValue)
	return b.MustBuild()
}

func TestInterpreterExceptionHandled(t *testing.T) {
	rt := NewRuntime(coldTunables())
	code := safeDiv()

	tests := []struct {
		x    Object
		want Object
	}{
		{Int(2), Int(5)},
		{Int(0), Int(-1)},
		{Int(-3), Int(-4)},
	}
	for _, tt := range tests {
		v, err := callUnit(t, rt, code, nil, tt.x)
		if err != nil {
			t.Fatalf("safe_div(%s): %v", Repr(tt.x), err)
		}
		if v != tt.want {
			t.Errorf("safe_div(%s) = %s, want %s", Repr(tt.x), Repr(v), Repr(tt.want))
		}
	}
}

func TestInterpreterExceptionPropagates(t *testing.T) {
	rt := NewRuntime(coldTunables())
	_, err := callUnit(t, rt, safeDiv(), nil, Str("x"))
	if err == nil {
		t.Fatal("expected TypeError")
	}
	exc := AsException(err)
	if !exc.Matches(TypeErrorType) {
		t.Fatalf("err = %v, want TypeError", err)
	}
	want := []TraceEntry{{Func: "safe_div", Line: 2}}
	if !reflect.DeepEqual(exc.Trace, want) {
		t.Errorf("trace = %+v, want %+v", exc.Trace, want)
	}
}

func TestInterpreterRaise(t *testing.T) {
	rt := NewRuntime(coldTunables())
	b := NewBuilder("f")
	b.LoadGlobal("ValueError")
	b.LoadConst(Str("bad value"))
	b.CallFunction(1)
	b.Emit(OpRaiseVarargs, 1)

	_, err := callUnit(t, rt, b.MustBuild(), nil)
	if err == nil {
		t.Fatal("expected ValueError")
	}
	if got := err.Error(); got != "ValueError: bad value" {
		t.Errorf("err = %q", got)
	}

	b = NewBuilder("g")
	b.Emit(OpRaiseVarargs, 0)
	_, err = callUnit(t, rt, b.MustBuild(), nil)
	if err == nil || !AsException(err).Matches(RuntimeErrorType) {
		t.Errorf("bare raise: err = %v, want RuntimeError", err)
	}
}

func TestInterpreterUnboundLocal(t *testing.T) {
	rt := NewRuntime(coldTunables())
	b := NewBuilder("f")
	b.LoadConst(Int(1))
	b.StoreFast("x")
	b.DeleteFast("x")
	b.LoadFast("x")
	b.Op(OpReturnValue)

	_, err := callUnit(t, rt, b.MustBuild(), nil)
	if err == nil || !AsException(err).Matches(UnboundLocalErrorType) {
		t.Errorf("err = %v, want UnboundLocalError", err)
	}
}

func TestInterpreterRecursionLimit(t *testing.T) {
	rt := NewRuntime(coldTunables())
	globals := NewDict()
	b := NewBuilder("down")
	b.LoadGlobal("down")
	b.CallFunction(0)
	b.Op(OpReturnValue)
	globals.Set("down", NewFunction(b.MustBuild(), globals))

	v, _ := globals.Get("down")
	_, err := rt.Invoke(v)
	if err == nil || !AsException(err).Matches(RecursionErrorType) {
		t.Errorf("err = %v, want RecursionError", err)
	}
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// upTo builds a generator yielding 0 .. n-1.
func upTo() *FunctionUnit {
	b := NewBuilder("up_to", "n").Generator()
	b.LoadConst(Int(0))
	b.StoreFast("i")
	loop, done := b.NewLabel(), b.NewLabel()
	b.Line(2)
	b.Mark(loop)
	b.LoadFast("i")
	b.LoadFast("n")
	b.Compare(CmpLT)
	b.Jump(OpPopJumpIfFalse, done)
	b.Line(3)
	b.LoadFast("i")
	b.Op(OpYieldValue)
	b.Op(OpPopTop)
	b.Line(4)
	b.LoadFast("i")
	b.LoadConst(Int(1))
	b.Op(OpBinaryAdd)
	b.StoreFast("i")
	b.Jump(OpJumpAbsolute, loop)
	b.Mark(done)
	b.LoadConst(None)
	b.Op(OpReturnValue)
	return b.MustBuild()
}

func TestInterpreterGenerator(t *testing.T) {
	rt := NewRuntime(coldTunables())
	gen, err := callUnit(t, rt, upTo(), nil, Int(4))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gen.(*Generator); !ok {
		t.Fatalf("up_to(4) = %T, want *Generator", gen)
	}

	v, err := rt.Invoke(ListType, gen)
	if err != nil {
		t.Fatal(err)
	}
	want := []Object{Int(0), Int(1), Int(2), Int(3)}
	if l := v.(*List); !reflect.DeepEqual(l.Items, want) {
		t.Errorf("list(up_to(4)) = %s", Repr(v))
	}

	// An exhausted generator stays exhausted.
	next, _ := rt.Builtins.Get("next")
	if _, err := rt.Invoke(next, gen); err == nil || !AsException(err).Matches(StopIterationType) {
		t.Errorf("next(exhausted) err = %v, want StopIteration", err)
	}
}

// ---------------------------------------------------------------------------
// Interrupts and tracing
// ---------------------------------------------------------------------------

type lineRecorder struct {
	lines []int
}

func (r *lineRecorder) Line(code *FunctionUnit, line int) {
	r.lines = append(r.lines, line)
}

func TestInterpreterTracing(t *testing.T) {
	rt := NewRuntime(coldTunables())
	rec := &lineRecorder{}
	rt.SetTracer(rec)

	v, err := callUnit(t, rt, countLoop(), nil, Int(3))
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(3) {
		t.Errorf("count(3) = %s", Repr(v))
	}
	want := []int{1, 2, 2, 2, 2, 3}
	if !reflect.DeepEqual(rec.lines, want) {
		t.Errorf("traced lines = %v, want %v", rec.lines, want)
	}

	rt.SetTracer(nil)
	if rt.Tracing() {
		t.Error("tracing still active after removing the tracer")
	}
}

func TestInterpreterPendingCalls(t *testing.T) {
	rt := NewRuntime(coldTunables())
	ran := 0
	rt.AddPendingCall(func() error {
		ran++
		return nil
	})

	if _, err := callUnit(t, rt, countLoop(), nil, Int(5)); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Errorf("pending call ran %d times, want 1", ran)
	}
	if rt.Interrupts() != 0 {
		t.Errorf("interrupts = %#x after servicing", rt.Interrupts())
	}

	rt.AddPendingCall(func() error {
		return NewError(ValueErrorType, "from pending call")
	})
	_, err := callUnit(t, rt, countLoop(), nil, Int(5))
	if err == nil || !AsException(err).Matches(ValueErrorType) {
		t.Errorf("err = %v, want the pending call's ValueError", err)
	}
}

func TestInterpreterDropLock(t *testing.T) {
	rt := NewRuntime(coldTunables())
	rt.RequestLockDrop()
	v, err := callUnit(t, rt, countLoop(), nil, Int(5))
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(5) {
		t.Errorf("count(5) = %s", Repr(v))
	}
	if rt.Interrupts()&InterruptDropLock != 0 {
		t.Error("drop-lock request not cleared")
	}
}

func TestInterpreterDropLockNeedsHolder(t *testing.T) {
	rt := NewRuntime(coldTunables())
	rt.RequestLockDrop()

	// A thread entering through Call instead of Invoke does not own the
	// lock and must leave the request for the holder.
	ts := NewThreadState()
	if sig := rt.HandleInterrupts(ts, nil, 0, false); sig != SigContinue {
		t.Fatalf("signal = %v, want SigContinue", sig)
	}
	v, err := rt.Call(ts, NewFunction(countLoop(), NewDict()), []Object{Int(5)})
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(5) {
		t.Errorf("count(5) = %s", Repr(v))
	}
	if rt.Interrupts()&InterruptDropLock == 0 {
		t.Fatal("request consumed by a thread that does not hold the lock")
	}

	if _, err := callUnit(t, rt, countLoop(), nil, Int(5)); err != nil {
		t.Fatal(err)
	}
	if rt.Interrupts()&InterruptDropLock != 0 {
		t.Error("drop-lock request not cleared by the lock holder")
	}
}
