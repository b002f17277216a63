package jit

import (
	"github.com/chazu/tiervm/vm"
)

// machine is the execution state of one native run. The object registers
// hold references, the integer registers hold guard fields and signals.
type machine struct {
	rt *vm.RuntimeContext
	ts *vm.ThreadState
	f  *vm.Frame

	r      [numRegs]vm.Object
	x      [numXRegs]uint64
	z      bool
	spill  []vm.Object
	counts []uint64 // compiled cache hits and misses, two per site

	native *nativeRun
}

// Code is an installed compiled unit.
type Code struct {
	Unit    *vm.FunctionUnit
	Prog    *Program
	Address uint64 // arena address of the first byte
	Spills  int
	// Entries marks the instructions native execution may start at.
	Entries []bool
	// Native is the x86-64 translation of Prog, or nil when the unit runs
	// on the portable machine.
	Native *NativeImage
	// Sites lists the inlined cache sites in counter order.
	Sites []CacheSite

	compiler *Compiler
}

// Size implements vm.NativeCode.
func (c *Code) Size() int {
	if c.Native != nil {
		return len(c.Native.Bytes)
	}
	return c.Prog.Size()
}

// Contains reports whether addr lies inside the code.
func (c *Code) Contains(addr uint64) bool {
	return addr >= c.Address && addr < c.Address+uint64(c.Size())
}

func (c *Code) newMachine(rt *vm.RuntimeContext, ts *vm.ThreadState, f *vm.Frame) *machine {
	m := &machine{rt: rt, ts: ts, f: f}
	if c.Spills > 0 {
		m.spill = make([]vm.Object, c.Spills)
	}
	if n := len(c.Sites); n > 0 {
		m.counts = make([]uint64, 2*n)
	}
	return m
}

// Run implements vm.NativeCode. Execution starts with the entry section,
// which dispatches on Frame.PC through the opcode address table.
func (c *Code) Run(rt *vm.RuntimeContext, ts *vm.ThreadState, f *vm.Frame) vm.Exit {
	m := c.newMachine(rt, ts, f)
	if c.Native != nil {
		return c.runNative(m)
	}
	pc := 0
	for {
		next, exit, done := m.step(c, pc)
		if done {
			return exit
		}
		pc = next
	}
}

// step executes the instruction at pc on the portable machine and returns
// the address of the next one. done reports that the unit exited.
func (m *machine) step(c *Code, pc int) (next int, exit vm.Exit, done bool) {
	words := c.Prog.Words
	pool := c.Prog.Pool
	names := c.Unit.Names
	f := m.f

	in := Decode(words[pc])
	pc++
	switch in.Op {
	case OpNOP:
	case OpMOVK:
		m.r[in.A] = pool[in.Imm]
	case OpMOVR:
		m.r[in.A] = m.r[in.B]
	case OpLDL:
		m.r[in.A] = f.Locals[in.Imm]
	case OpSTL:
		f.Locals[in.Imm] = m.r[in.A]
	case OpCLRL:
		f.Locals[in.Imm] = nil
	case OpLDS:
		m.r[in.A] = f.Stack[in.Imm]
	case OpSTS:
		f.Stack[in.Imm] = m.r[in.A]
	case OpSETSP:
		sp := int(in.Imm)
		for i := sp; i < f.SP; i++ {
			f.Stack[i] = nil
		}
		f.SP = sp
	case OpSPILL:
		m.spill[in.Imm] = m.r[in.A]
	case OpUNSPILL:
		m.r[in.A] = m.spill[in.Imm]
	case OpSETLASTI:
		f.Lasti = int(in.Imm)
	case OpSETPC:
		f.PC = int(in.Imm)
	case OpCOUNT:
		m.counts[in.Imm]++

	case OpJINT:
		if m.rt.Interrupts()&uint32(in.A) != 0 {
			pc = int(in.Imm)
		}
	case OpJMP:
		pc = int(in.Imm)
	case OpJE:
		if m.z {
			pc = int(in.Imm)
		}
	case OpJNE:
		if !m.z {
			pc = int(in.Imm)
		}

	case OpCMPRK:
		m.z = m.r[in.A] == pool[in.Imm]
	case OpCMPRR:
		m.z = m.r[in.A] == m.r[in.B]
	case OpTSTR:
		m.z = m.r[in.A] == nil
	case OpCMPXI:
		m.z = m.x[in.A] == uint64(int64(in.Imm))
	case OpCMPXW:
		m.z = m.x[in.A] == words[pc]
		pc++

	case OpTYPEID:
		m.x[in.A] = uint64(vm.TypeIDOf(m.r[in.B]))
	case OpTYPEVER:
		m.x[in.A] = uint64(vm.TypeVersionOf(m.r[in.B]))
	case OpKEYSID:
		m.x[in.A] = vm.SplitKeysID(m.r[in.B])
	case OpKEYSVER:
		m.x[in.A] = vm.SplitKeysVersion(m.r[in.B])
	case OpDICTVER:
		m.x[in.A] = vm.InstanceDictVersion(m.r[in.B])
	case OpDICTSHAPE:
		m.x[in.A] = vm.InstanceDictShape(m.r[in.B])
	case OpHASVALS:
		m.x[in.A] = 0
		if vm.InstanceHasValues(m.r[in.B]) {
			m.x[in.A] = 1
		}
	case OpGLOBVER:
		m.x[in.A] = f.Globals.Version()
	case OpBLTVER:
		m.x[in.A] = f.Builtins.Version()
	case OpGLOBSHAPE:
		m.x[in.A] = f.Globals.Shape()

	case OpLDSPLIT:
		m.r[in.A] = vm.InstanceSplitValue(m.r[in.B], int(in.Imm))
	case OpLDSLOT:
		m.r[in.A] = vm.InstanceSlot(m.r[in.B], int(in.Imm))
	case OpLDDENT:
		m.r[in.A] = vm.InstanceDictEntry(m.r[in.B], int(in.Imm), names[words[pc]])
		pc++
	case OpLDGENT:
		m.r[in.A] = vm.DictEntryValue(f.Globals, int(in.Imm), names[words[pc]])
		pc++
	case OpSTSPLIT:
		vm.InstanceStoreSplit(m.r[in.A], int(in.Imm), m.r[in.B], in.C != 0)
	case OpSTSLOT:
		vm.InstanceStoreSlot(m.r[in.A], int(in.Imm), m.r[in.B])

	case OpCALL:
		c.flushCounts(m.counts)
		m.x[XSIG] = uint64(helpers[in.Imm](m))
	case OpRET:
		c.flushCounts(m.counts)
		return pc, vm.Exit{Word: uint32(in.Imm), Value: m.r[RES]}, true
	case OpJMPTAB:
		pc = int(c.Prog.Table[f.Lasti]) + int(in.Imm)
	case OpENTER:
		idx := f.PC
		if !c.entryPoint(idx) {
			return pc, vm.Exit{Word: vm.ExitDeopt}, true
		}
		pc = int(c.Prog.Table[idx])

	default:
		m.ts.Exc = vm.Errorf(vm.RuntimeErrorType, "%s: invalid machine instruction %s at %d", c.Unit.Name, in.Op, pc-1)
		return pc, vm.Exit{Word: vm.ExitError}, true
	}
	return pc, vm.Exit{}, false
}

// entryPoint reports whether execution may start at bytecode instruction
// idx.
func (c *Code) entryPoint(idx int) bool {
	return idx >= 0 && idx < len(c.Entries) && c.Entries[idx] && c.Prog.Table[idx] >= 0
}
