package main

import (
	"github.com/chazu/tiervm/vm"
)

// workload is a small program exercising every tier: monomorphic method
// calls on a hot path, a polymorphic attribute site and a long loop that
// enters compiled code through OSR.
type workload struct {
	globals *vm.Dict
	units   []*vm.FunctionUnit

	run   *vm.Function // run(n): sum of Point(1, 2).norm1() over n iterations
	poly  *vm.Function // poly(objs): sum of o.v over objs
	count *vm.Function // count(n): counts to n
	a, b  *vm.Type
}

func newWorkload() *workload {
	w := &workload{globals: vm.NewDict()}

	// def __init__(self, x, y): self.x = x; self.y = y
	b := vm.NewBuilder("Point.__init__", "self", "x", "y")
	b.LoadFast("x")
	b.LoadFast("self")
	b.StoreAttr("x")
	b.Line(2)
	b.LoadFast("y")
	b.LoadFast("self")
	b.StoreAttr("y")
	b.LoadConst(vm.None)
	b.Op(vm.OpReturnValue)
	initCode := w.add(b.MustBuild())

	// def norm1(self): return self.x + self.y
	b = vm.NewBuilder("Point.norm1", "self")
	b.LoadFast("self")
	b.LoadAttr("x")
	b.LoadFast("self")
	b.LoadAttr("y")
	b.Op(vm.OpBinaryAdd)
	b.Op(vm.OpReturnValue)
	norm1 := w.add(b.MustBuild())

	point := vm.NewType("Point", nil, map[string]vm.Object{
		"__init__": vm.NewFunction(initCode, w.globals),
		"norm1":    vm.NewFunction(norm1, w.globals),
	})
	w.globals.Set("Point", point)

	// def run(n):
	//     total = 0; i = 0; p = Point(1, 2)
	//     while i < n: total = total + p.norm1(); i = i + 1
	//     return total
	b = vm.NewBuilder("run", "n")
	b.LoadConst(vm.Int(0))
	b.StoreFast("total")
	b.LoadConst(vm.Int(0))
	b.StoreFast("i")
	b.LoadGlobal("Point")
	b.LoadConst(vm.Int(1))
	b.LoadConst(vm.Int(2))
	b.CallFunction(2)
	b.StoreFast("p")
	loop, done := b.NewLabel(), b.NewLabel()
	b.Line(2)
	b.Mark(loop)
	b.LoadFast("i")
	b.LoadFast("n")
	b.Compare(vm.CmpLT)
	b.Jump(vm.OpPopJumpIfFalse, done)
	b.Line(3)
	b.LoadFast("total")
	b.LoadFast("p")
	b.LoadMethod("norm1")
	b.CallMethod(0)
	b.Op(vm.OpBinaryAdd)
	b.StoreFast("total")
	b.LoadFast("i")
	b.LoadConst(vm.Int(1))
	b.Op(vm.OpBinaryAdd)
	b.StoreFast("i")
	b.Jump(vm.OpJumpAbsolute, loop)
	b.Line(4)
	b.Mark(done)
	b.LoadFast("total")
	b.Op(vm.OpReturnValue)
	w.run = vm.NewFunction(w.add(b.MustBuild()), w.globals)

	// def poly(objs):
	//     total = 0
	//     for o in objs: total = total + o.v
	//     return total
	b = vm.NewBuilder("poly", "objs")
	b.LoadConst(vm.Int(0))
	b.StoreFast("total")
	b.LoadFast("objs")
	b.Op(vm.OpGetIter)
	loop, done = b.NewLabel(), b.NewLabel()
	b.Line(2)
	b.Mark(loop)
	b.Jump(vm.OpForIter, done)
	b.StoreFast("o")
	b.LoadFast("total")
	b.LoadFast("o")
	b.LoadAttr("v")
	b.Op(vm.OpBinaryAdd)
	b.StoreFast("total")
	b.Jump(vm.OpJumpAbsolute, loop)
	b.Line(3)
	b.Mark(done)
	b.LoadFast("total")
	b.Op(vm.OpReturnValue)
	w.poly = vm.NewFunction(w.add(b.MustBuild()), w.globals)

	// def count(n):
	//     i = 0
	//     while i < n: i = i + 1
	//     return i
	b = vm.NewBuilder("count", "n")
	b.LoadConst(vm.Int(0))
	b.StoreFast("i")
	loop, done = b.NewLabel(), b.NewLabel()
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
	w.count = vm.NewFunction(w.add(b.MustBuild()), w.globals)

	w.a = vm.NewType("A", nil, nil)
	w.b = vm.NewType("B", nil, nil)
	return w
}

func (w *workload) add(code *vm.FunctionUnit) *vm.FunctionUnit {
	w.units = append(w.units, code)
	return code
}

// objects returns n instances alternating between A and B, each with v set.
func (w *workload) objects(rt *vm.RuntimeContext, n int) ([]vm.Object, error) {
	ts := vm.NewThreadState()
	objs := make([]vm.Object, n)
	for i := range objs {
		t := w.a
		if i%2 == 1 {
			t = w.b
		}
		inst := vm.NewInstance(t)
		if err := rt.SetAttr(ts, inst, "v", vm.Int(i)); err != nil {
			return nil, err
		}
		objs[i] = inst
	}
	return objs, nil
}
