package jit

import (
	"testing"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Test programs
//
// Each program builds fresh function units, so tier state never leaks from
// one runtime into another. entry is the unit the calls start in.
// ---------------------------------------------------------------------------

type program struct {
	name   string
	build  func() (entry *vm.Function, globals *vm.Dict)
	args   [][]vm.Object
	rounds int
}

func args(vs ...vm.Object) []vm.Object { return vs }

// count(n): i = 0; while i < n: i = i + 1; return i
func countLoop() *vm.FunctionUnit {
	b := vm.NewBuilder("count", "n")
	b.LoadConst(vm.Int(0))
	b.StoreFast("i")
	loop, done := b.NewLabel(), b.NewLabel()
	b.Line(2)
	b.Mark(loop)
	b.LoadFast("i")
	b.LoadFast("n")
	b.Compare(vm.CmpLT)
	b.Jump(vm.OpPopJumpIfFalse, done)
	b.LoadFast("i")
	b.LoadConst(vm.Int(1))
	b.Op(vm.OpBinaryAdd)
	b.StoreFast("i")
	b.Jump(vm.OpJumpAbsolute, loop)
	b.Line(3)
	b.Mark(done)
	b.LoadFast("i")
	b.Op(vm.OpReturnValue)
	return b.MustBuild()
}

// sign(x): -1, 0 or 1, with both identity and ordering comparisons.
func sign() *vm.FunctionUnit {
	b := vm.NewBuilder("sign", "x")
	nonneg, zero, isNone := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.LoadFast("x")
	b.LoadConst(vm.None)
	b.Compare(vm.CmpIs)
	b.Jump(vm.OpPopJumpIfTrue, isNone)
	b.Line(2)
	b.LoadFast("x")
	b.LoadConst(vm.Int(0))
	b.Compare(vm.CmpLT)
	b.Jump(vm.OpPopJumpIfFalse, nonneg)
	b.LoadConst(vm.Int(-1))
	b.Op(vm.OpReturnValue)
	b.Line(3)
	b.Mark(nonneg)
	b.LoadFast("x")
	b.LoadConst(vm.Int(0))
	b.Compare(vm.CmpEQ)
	b.Jump(vm.OpPopJumpIfTrue, zero)
	b.LoadConst(vm.Int(1))
	b.Op(vm.OpReturnValue)
	b.Mark(zero)
	b.LoadConst(vm.Int(0))
	b.Op(vm.OpReturnValue)
	b.Line(4)
	b.Mark(isNone)
	b.LoadConst(vm.None)
	b.Op(vm.OpReturnValue)
	return b.MustBuild()
}

// shuffle(a, b, c) returns [c, b, a] through the stack rotations.
func shuffle() *vm.FunctionUnit {
	b := vm.NewBuilder("shuffle", "a", "b", "c")
	b.LoadFast("a")
	b.LoadFast("b")
	b.LoadFast("c")
	b.Op(vm.OpRotThree)
	b.Op(vm.OpRotTwo)
	b.Op(vm.OpDupTop)
	b.Op(vm.OpPopTop)
	b.Emit(vm.OpBuildList, 3)
	b.Op(vm.OpReturnValue)
	return b.MustBuild()
}

// safe_div(x):
//
//	try:
//	    r = 10 // x
//	except ZeroDivisionError:
//	    r = -1
//	return r
func safeDiv() *vm.FunctionUnit {
	b := vm.NewBuilder("safe_div", "x")
	handler, reraise, end := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Jump(vm.OpSetupFinally, handler)
	b.Line(2)
	b.LoadConst(vm.Int(10))
	b.LoadFast("x")
	b.Op(vm.OpBinaryFloorDivide)
	b.StoreFast("r")
	b.Op(vm.OpPopBlock)
	b.Jump(vm.OpJumpForward, end)
	b.Line(3)
	b.Mark(handler)
	b.Op(vm.OpDupTop)
	b.LoadGlobal("ZeroDivisionError")
	b.Compare(vm.CmpExcMatch)
	b.Jump(vm.OpPopJumpIfFalse, reraise)
	b.Op(vm.OpPopTop)
	b.Op(vm.OpPopExcept)
	b.Line(4)
	b.LoadConst(vm.Int(-1))
	b.StoreFast("r")
	b.Jump(vm.OpJumpForward, end)
	b.Mark(reraise)
	b.Op(vm.OpReraise)
	b.Line(5)
	b.Mark(end)
	b.LoadFast("r")
	b.Op(vm.OpReturnValue)
	return b.MustBuild()
}

// maybe_unbound(flag): x = 1; if flag: del x; return x
func maybeUnbound() *vm.FunctionUnit {
	b := vm.NewBuilder("maybe_unbound", "flag")
	keep := b.NewLabel()
	b.LoadConst(vm.Int(1))
	b.StoreFast("x")
	b.LoadFast("flag")
	b.Jump(vm.OpPopJumpIfFalse, keep)
	b.DeleteFast("x")
	b.Line(2)
	b.Mark(keep)
	b.LoadFast("x")
	b.Op(vm.OpReturnValue)
	return b.MustBuild()
}

// up_to(n) yields 0 .. n-1.
func upTo() *vm.FunctionUnit {
	b := vm.NewBuilder("up_to", "n").Generator()
	b.LoadConst(vm.Int(0))
	b.StoreFast("i")
	loop, done := b.NewLabel(), b.NewLabel()
	b.Line(2)
	b.Mark(loop)
	b.LoadFast("i")
	b.LoadFast("n")
	b.Compare(vm.CmpLT)
	b.Jump(vm.OpPopJumpIfFalse, done)
	b.Line(3)
	b.LoadFast("i")
	b.Op(vm.OpYieldValue)
	b.Op(vm.OpPopTop)
	b.Line(4)
	b.LoadFast("i")
	b.LoadConst(vm.Int(1))
	b.Op(vm.OpBinaryAdd)
	b.StoreFast("i")
	b.Jump(vm.OpJumpAbsolute, loop)
	b.Mark(done)
	b.LoadConst(vm.None)
	b.Op(vm.OpReturnValue)
	return b.MustBuild()
}

// collect(n) returns list(up_to(n)).
func collect(globals *vm.Dict) *vm.Function {
	globals.Set("up_to", vm.NewFunction(upTo(), globals))
	b := vm.NewBuilder("collect", "n")
	b.LoadGlobal("list")
	b.LoadGlobal("up_to")
	b.LoadFast("n")
	b.CallFunction(1)
	b.CallFunction(1)
	b.Op(vm.OpReturnValue)
	return vm.NewFunction(b.MustBuild(), globals)
}

// pointMain defines
//
//	class Point:
//	    def __init__(self, x): self.x = x; self.y = x + 1
//	    def scaled(self, k): return self.x * k
//
// and main(n) = Point(n).scaled(2) + Point(n).y + [n].pop().
func pointMain(globals *vm.Dict) *vm.Function {
	b := vm.NewBuilder("Point.__init__", "self", "x")
	b.LoadFast("x")
	b.LoadFast("self")
	b.StoreAttr("x")
	b.LoadFast("x")
	b.LoadConst(vm.Int(1))
	b.Op(vm.OpBinaryAdd)
	b.LoadFast("self")
	b.StoreAttr("y")
	b.LoadConst(vm.None)
	b.Op(vm.OpReturnValue)
	initFn := vm.NewFunction(b.MustBuild(), globals)

	b = vm.NewBuilder("Point.scaled", "self", "k")
	b.LoadFast("self")
	b.LoadAttr("x")
	b.LoadFast("k")
	b.Op(vm.OpBinaryMultiply)
	b.Op(vm.OpReturnValue)
	scaled := vm.NewFunction(b.MustBuild(), globals)

	globals.Set("Point", vm.NewType("Point", nil, map[string]vm.Object{"__init__": initFn, "scaled": scaled}))

	b = vm.NewBuilder("main", "n")
	b.LoadGlobal("Point")
	b.LoadFast("n")
	b.CallFunction(1)
	b.LoadMethod("scaled")
	b.LoadConst(vm.Int(2))
	b.CallMethod(1)
	b.LoadGlobal("Point")
	b.LoadFast("n")
	b.CallFunction(1)
	b.LoadAttr("y")
	b.Op(vm.OpBinaryAdd)
	b.LoadFast("n")
	b.Emit(vm.OpBuildList, 1)
	b.LoadMethod("pop")
	b.CallMethod(0)
	b.Op(vm.OpBinaryAdd)
	b.Op(vm.OpReturnValue)
	return vm.NewFunction(b.MustBuild(), globals)
}

// bump() increments the global counter and returns it.
func bump(globals *vm.Dict) *vm.Function {
	globals.Set("counter", vm.Int(0))
	b := vm.NewBuilder("bump")
	b.LoadGlobal("counter")
	b.LoadConst(vm.Int(1))
	b.Op(vm.OpBinaryAdd)
	b.Op(vm.OpDupTop)
	b.StoreGlobal("counter")
	b.LoadGlobal("len")
	b.LoadConst(vm.Str("ab"))
	b.CallFunction(1)
	b.Op(vm.OpBinaryMultiply)
	b.Op(vm.OpReturnValue)
	return vm.NewFunction(b.MustBuild(), globals)
}

func unitProgram(name string, build func() *vm.FunctionUnit, calls ...[]vm.Object) program {
	return program{
		name: name,
		build: func() (*vm.Function, *vm.Dict) {
			g := vm.NewDict()
			return vm.NewFunction(build(), g), g
		},
		args:   calls,
		rounds: 6,
	}
}

func globalsProgram(name string, build func(*vm.Dict) *vm.Function, calls ...[]vm.Object) program {
	return program{
		name: name,
		build: func() (*vm.Function, *vm.Dict) {
			g := vm.NewDict()
			return build(g), g
		},
		args:   calls,
		rounds: 6,
	}
}

func programs() []program {
	return []program{
		unitProgram("count", countLoop, args(vm.Int(0)), args(vm.Int(1)), args(vm.Int(17))),
		unitProgram("sign", sign, args(vm.Int(-5)), args(vm.Int(0)), args(vm.Int(7)), args(vm.None), args(vm.Str("a"))),
		unitProgram("shuffle", shuffle, args(vm.Int(1), vm.Int(2), vm.Int(3))),
		unitProgram("safe_div", safeDiv, args(vm.Int(2)), args(vm.Int(0)), args(vm.Int(-3)), args(vm.Str("x"))),
		unitProgram("maybe_unbound", maybeUnbound, args(vm.False), args(vm.True)),
		globalsProgram("collect", collect, args(vm.Int(0)), args(vm.Int(4))),
		globalsProgram("point", pointMain, args(vm.Int(1)), args(vm.Int(5))),
		globalsProgram("bump", bump, args()),
	}
}

// outcome renders a call result so runs can be compared.
func outcome(v vm.Object, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return vm.Repr(v)
}

// run calls p's entry rounds times with every argument list.
func run(t *testing.T, rt *vm.RuntimeContext, p program) []string {
	t.Helper()
	fn, _ := p.build()
	var out []string
	for r := 0; r < p.rounds; r++ {
		for _, a := range p.args {
			out = append(out, outcome(rt.Invoke(fn, a...)))
		}
	}
	return out
}

func coldTunables() vm.Tunables {
	t := vm.DefaultTunables()
	t.JITEnabled = false
	return t
}

// jitTunables compiles a unit on its third call.
func jitTunables() vm.Tunables {
	t := vm.DefaultTunables()
	t.CacheThreshold = 1
	t.JITThreshold = 3
	t.OSRThreshold = 4
	return t
}

func newJITRuntime(t vm.Tunables) (*vm.RuntimeContext, *Compiler) {
	rt := vm.NewRuntime(t)
	c := NewCompiler(NewArena(t.MaxCodeMemory))
	rt.Compiler = c
	return rt, c
}

func coldRun(t *testing.T, p program) []string {
	t.Helper()
	return run(t, vm.NewRuntime(coldTunables()), p)
}
