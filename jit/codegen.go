package jit

import (
	"fmt"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Code generation
//
// One linear pass over the bytecode. Every reachable instruction gets a
// block in the code section, preceded by its interrupt checkpoint when it
// needs one. Out-of-line paths (interrupt stubs, cache misses, signal
// dispatch, unbound locals) go to the cold section and jump back.
// ---------------------------------------------------------------------------

type gen struct {
	rt   *vm.RuntimeContext
	code *vm.FunctionUnit
	info *unitInfo
	asm  *Assembler
	d    *Deferred

	hints   hintStack
	defined []bool
	sites   []CacheSite

	labels     []Label // per instruction, for jump targets
	errExit    Label
	unwindExit Label

	inlineCaches bool
	callHints    bool
	faults       bool
	lastLine     int

	stats genStats
}

type genStats struct {
	checkpoints int
	helperCalls int
	inlined     int
	hinted      int

	sites        [vm.NumCacheKinds]int // cacheable instructions compiled
	inlinedSites [vm.NumCacheKinds]int
}

func newGen(rt *vm.RuntimeContext, code *vm.FunctionUnit, info *unitInfo) *gen {
	asm := NewAssembler(len(code.Instrs))
	g := &gen{
		rt:           rt,
		code:         code,
		info:         info,
		asm:          asm,
		d:            NewDeferred(asm),
		defined:      make([]bool, len(info.argsDefined)),
		labels:       make([]Label, len(code.Instrs)),
		inlineCaches: rt.Tunables.InlineCacheCodegen,
		callHints:    rt.Tunables.CallHints,
		faults:       rt.FaultsInstalled(),
		lastLine:     -1,
	}
	for i, t := range info.targets {
		if t {
			g.labels[i] = asm.NewLabel()
		}
	}
	return g
}

// generate emits the whole unit and links it.
func (g *gen) generate() (*Program, error) {
	a := g.asm

	a.SetSection(SecEntry)
	a.EmitOp(OpENTER, 0, 0, 0, 0)

	a.SetSection(SecCold)
	g.errExit = a.NewLabel()
	a.Bind(g.errExit)
	a.EmitRet(vm.ExitError)
	g.unwindExit = a.NewLabel()
	a.Bind(g.unwindExit)
	a.EmitRet(vm.ExitError | vm.ExitFlag)

	a.SetSection(SecCode)
	for i := range g.code.Instrs {
		if g.info.depths[i] < 0 {
			continue
		}
		if err := g.instr(i); err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, g.code.Instrs[i].Op, err)
		}
		if err := a.Err(); err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, g.code.Instrs[i].Op, err)
		}
		if err := g.d.Err(); err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, g.code.Instrs[i].Op, err)
		}
	}
	return a.Link()
}

func (g *gen) instr(i int) error {
	a := g.asm
	in := g.code.Instrs[i]

	if g.info.targets[i] {
		g.d.Flush()
		g.d.Reset(g.info.depths[i])
		copy(g.defined, g.info.argsDefined)
		a.Bind(g.labels[i])
	}
	if g.d.Depth() != g.info.depths[i] {
		return fmt.Errorf("modelled stack depth %d, expected %d", g.d.Depth(), g.info.depths[i])
	}
	a.MarkInstr(i)

	if g.needsCheckpoint(i, in) {
		g.checkpoint(i)
	}

	switch in.Op {
	case vm.OpNOP:
	case vm.OpPopTop:
		g.d.Pop()
	case vm.OpRotTwo:
		top := g.d.Pop()
		second := g.d.Pop()
		g.d.Push(top)
		g.d.Push(second)
	case vm.OpRotThree:
		top := g.d.Pop()
		second := g.d.Pop()
		third := g.d.Pop()
		g.d.Push(top)
		g.d.Push(third)
		g.d.Push(second)
	case vm.OpDupTop:
		g.d.Dup()
	case vm.OpLoadConst:
		g.d.Push(ConstLoc(g.code.Consts[in.Arg]))
	case vm.OpLoadFast:
		g.loadFast(i, int(in.Arg))
	case vm.OpStoreFast:
		k := int(in.Arg)
		g.d.ApplyIfSameVar(k)
		v := g.d.Pop()
		if v.Kind == LocReg {
			a.EmitStoreLocal(Reg(v.Index), k)
		} else {
			g.d.Load(v, TMP)
			a.EmitStoreLocal(TMP, k)
		}
		g.defined[k] = true
	case vm.OpDeleteFast:
		k := int(in.Arg)
		g.d.ApplyIfSameVar(k)
		if !g.defined[k] {
			a.EmitLoadLocal(TMP, k)
			a.EmitOp(OpTSTR, uint8(TMP), 0, 0, 0)
			a.EmitBranch(OpJE, g.unboundStub())
		}
		a.EmitClearLocal(k)
		g.defined[k] = false

	case vm.OpLoadGlobal:
		g.loadGlobal(i)
	case vm.OpLoadAttr:
		g.loadAttr(i)
	case vm.OpStoreAttr:
		g.storeAttr(i)
	case vm.OpLoadMethod:
		g.loadMethod(i)
	case vm.OpCallMethod:
		g.callMethod(i)

	case vm.OpBinaryAdd, vm.OpBinarySubtract, vm.OpBinaryMultiply,
		vm.OpBinaryFloorDivide, vm.OpBinaryModulo:
		g.binary(HelperBinary)
	case vm.OpCompareOp:
		switch vm.CompareKind(in.Arg) {
		case vm.CmpIs, vm.CmpIsNot:
			g.identity(vm.CompareKind(in.Arg) == vm.CmpIsNot)
		default:
			g.binary(HelperCompare)
		}

	case vm.OpPopJumpIfFalse, vm.OpPopJumpIfTrue:
		g.condJump(i, in.Op == vm.OpPopJumpIfTrue)
	case vm.OpJumpForward, vm.OpJumpAbsolute:
		g.d.Flush()
		a.EmitBranch(OpJMP, g.labels[g.code.JumpTarget(i)])
	case vm.OpReturnValue:
		g.d.PopTo(RES)
		a.EmitRet(vm.ExitNormal)

	case vm.OpStoreGlobal, vm.OpDeleteAttr, vm.OpCallFunction,
		vm.OpBinarySubscr, vm.OpStoreSubscr, vm.OpUnaryNot, vm.OpUnaryNegative,
		vm.OpBuildList, vm.OpGetIter, vm.OpForIter,
		vm.OpSetupFinally, vm.OpPopBlock, vm.OpPopExcept,
		vm.OpRaiseVarargs, vm.OpReraise, vm.OpYieldValue:
		g.generic(i, HelperExec)

	default:
		return vm.ErrUnsupportedOpcode
	}
	return nil
}

// ---------------------------------------------------------------------------
// Interrupt checkpoints
// ---------------------------------------------------------------------------

func (g *gen) needsCheckpoint(i int, in vm.Instr) bool {
	return g.faults || g.info.targets[i] || g.code.StartsLine(i) || !skippable(in, g.defined)
}

// checkpoint emits the fixed-size interrupt check of instruction i and its
// out-of-line stub. Tracing only needs to stop compiled code once per
// line, so only the first check of a line includes the tracing bit.
func (g *gen) checkpoint(i int) {
	a := g.asm
	mask := vm.InterruptNoTracing
	if line := g.code.Line(i); line != g.lastLine || g.code.StartsLine(i) || g.info.targets[i] {
		mask = vm.InterruptAll
		g.lastLine = line
	}
	stub := a.NewLabel()
	a.EmitCheckpoint(i, mask, stub)
	g.stats.checkpoints++

	prev := a.SetSection(SecCold)
	a.Bind(stub)
	g.d.Materialize()
	a.EmitSetSP(g.d.Depth())
	a.EmitCall(HelperInterrupt)
	a.EmitCompareSignal(vm.SigError)
	a.EmitBranch(OpJE, g.errExit)
	deopt := a.NewLabel()
	a.EmitCompareSignal(vm.SigContinue)
	a.EmitBranch(OpJNE, deopt)
	g.d.Reload()
	a.EmitOp(OpJMPTAB, 0, 0, 0, CheckpointWords)

	a.Bind(deopt)
	a.EmitOp(OpSETPC, 0, 0, 0, int64(i))
	word := vm.ExitDeopt
	if g.code.StartsLine(i) {
		word |= vm.ExitFlag
	}
	a.EmitRet(word)
	a.SetSection(prev)
}

// ---------------------------------------------------------------------------
// Helper calls and signal dispatch
// ---------------------------------------------------------------------------

// call sets the frame's stack pointer to the materialized depth and calls
// h. Register entries must already be out of volatile registers.
func (g *gen) call(h HelperID) {
	g.asm.EmitSetSP(g.d.Base())
	g.asm.EmitCall(h)
	g.stats.helperCalls++
}

// valueCall calls a helper that only returns SigContinue or SigError.
func (g *gen) valueCall(h HelperID) {
	g.call(h)
	g.asm.EmitCompareSignal(vm.SigContinue)
	g.asm.EmitBranch(OpJNE, g.errExit)
}

// generic runs instruction i through its generic implementation on a fully
// materialized frame.
func (g *gen) generic(i int, h HelperID) {
	a := g.asm
	in := g.code.Instrs[i]
	g.d.Flush()
	g.call(h)

	dispatch := a.NewLabel()
	a.EmitCompareSignal(vm.SigContinue)
	a.EmitBranch(OpJNE, dispatch)

	prev := a.SetSection(SecCold)
	a.Bind(dispatch)
	a.EmitCompareSignal(vm.SigError)
	a.EmitBranch(OpJE, g.errExit)
	a.EmitCompareSignal(vm.SigUnwind)
	a.EmitBranch(OpJE, g.unwindExit)
	if in.Op.Info().Jump != vm.NoJump && in.Op != vm.OpSetupFinally {
		a.EmitCompareSignal(vm.SigJump)
		a.EmitBranch(OpJE, g.labels[g.code.JumpTarget(i)])
	}
	if in.Op == vm.OpYieldValue {
		yield := a.NewLabel()
		a.EmitCompareSignal(vm.SigYield)
		a.EmitBranch(OpJE, yield)
		a.EmitBranch(OpJMP, g.errExit)
		a.Bind(yield)
		a.EmitOp(OpSETPC, 0, 0, 0, int64(i+1))
		a.EmitRet(vm.ExitYield)
	} else {
		a.EmitBranch(OpJMP, g.errExit)
	}
	a.SetSection(prev)

	if in.Op.Info().Terminal || in.Op == vm.OpYieldValue {
		return
	}
	g.d.Reset(g.d.Base() + vm.StackEffect(in.Op, in.Arg, false))
}

// unboundStub returns a cold block raising UnboundLocalError for the
// current instruction.
func (g *gen) unboundStub() Label {
	a := g.asm
	l := a.NewLabel()
	prev := a.SetSection(SecCold)
	a.Bind(l)
	a.EmitSetSP(g.d.Base())
	a.EmitCall(HelperUnbound)
	a.EmitBranch(OpJMP, g.errExit)
	a.SetSection(prev)
	return l
}

// ---------------------------------------------------------------------------
// Locals, operators, branches
// ---------------------------------------------------------------------------

func (g *gen) loadFast(i, k int) {
	if g.defined[k] {
		g.d.Push(LocalLoc(k))
		return
	}
	a := g.asm
	g.d.Evict(RES)
	a.EmitLoadLocal(RES, k)
	a.EmitOp(OpTSTR, uint8(RES), 0, 0, 0)
	a.EmitBranch(OpJE, g.unboundStub())
	g.d.Push(RegLoc(RES))
	g.defined[k] = true
}

// binary pops two operands into ARG1 and ARG2 and pushes the helper's
// result.
func (g *gen) binary(h HelperID) {
	g.d.PopTo(ARG2)
	g.d.PopTo(ARG1)
	g.d.SpillRegisterEntries()
	g.valueCall(h)
	g.d.Push(RegLoc(RES))
}

// identity compiles `is` and `is not` without a call.
func (g *gen) identity(negate bool) {
	a := g.asm
	g.d.PopTo(ARG2)
	g.d.PopTo(ARG1)
	g.d.Evict(RES)
	yes, no := vm.Object(vm.True), vm.Object(vm.False)
	if negate {
		yes, no = no, yes
	}
	done := a.NewLabel()
	a.EmitOp(OpCMPRR, uint8(ARG1), uint8(ARG2), 0, 0)
	a.EmitLoadObject(RES, yes)
	a.EmitBranch(OpJE, done)
	a.EmitLoadObject(RES, no)
	a.Bind(done)
	g.d.Push(RegLoc(RES))
}

// condJump compiles POP_JUMP_IF_TRUE (onTrue) and POP_JUMP_IF_FALSE. The
// boolean singletons are tested inline; everything else asks the truth
// helper.
func (g *gen) condJump(i int, onTrue bool) {
	a := g.asm
	g.d.PopTo(ARG1)
	g.d.Flush()

	target := g.labels[g.code.JumpTarget(i)]
	next := a.NewLabel()
	taken, fallthru := target, next
	if !onTrue {
		taken, fallthru = next, target
	}
	// taken is where a true value goes.
	a.EmitCompareObject(ARG1, vm.True)
	a.EmitBranch(OpJE, taken)
	a.EmitCompareObject(ARG1, vm.False)
	a.EmitBranch(OpJE, fallthru)
	g.call(HelperTruth)
	a.EmitOp(OpCMPXI, uint8(X1), 0, 0, 1)
	a.EmitBranch(OpJE, taken)
	a.EmitBranch(OpJMP, fallthru)
	a.Bind(next)
}
