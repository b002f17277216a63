package jit

import (
	"runtime"
	"unsafe"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Native execution
//
// A native run keeps the frame's locals and stack as handle arrays next to
// an object table. Handle 0 is the unbound value and handles 1..len(pool)
// are the program's constants, so MOVK and CMPRK compile to immediates.
// Every other object gets a handle when it first crosses from the host into
// the state block; equal objects always share a handle, which keeps CMPRR
// an identity test.
// ---------------------------------------------------------------------------

// nativeState is the block generated code addresses through R12. It holds
// no Go pointers; the addresses of the handle arrays are refreshed before
// every entry.
type nativeState struct {
	regs   [numRegs]uint64
	xregs  [numXRegs]uint64
	z      uint64
	sp     uint64
	lasti  uint64
	pc     uint64
	exit   uint64
	arg    uint64
	resume uint64
	locals uintptr
	stack  uintptr
	spills uintptr
	intr   uintptr
	counts uintptr
}

// Offsets of the nativeState fields, as encoded in generated code.
const (
	offRegs   = 0
	offXRegs  = offRegs + numRegs*8
	offZ      = offXRegs + numXRegs*8
	offSP     = offZ + 8
	offLasti  = offSP + 8
	offPC     = offLasti + 8
	offExit   = offPC + 8
	offArg    = offExit + 8
	offResume = offArg + 8
	offLocals = offResume + 8
	offStack  = offLocals + 8
	offSpills = offStack + 8
	offIntr   = offSpills + 8
	offCounts = offIntr + 8
)

// compactAt is the number of table entries beyond the constant pool after
// which the table is rebuilt from the live handles.
const compactAt = 4096

// funcval has the layout of a Go func value: the code pointer first.
type funcval struct {
	code uintptr
}

// bind makes the image callable at addr.
func (img *NativeImage) bind(addr uint64) {
	img.entry = &funcval{code: uintptr(addr)}
	img.call = *(*func(uintptr))(unsafe.Pointer(&img.entry))
}

// nativeRun is the host side of one native execution of a unit.
type nativeRun struct {
	st nativeState

	objs  []vm.Object
	index map[vm.Object]uint64
	pool  int

	locals []uint64
	stack  []uint64
	spills []uint64
}

func newNativeRun(c *Code, m *machine) *nativeRun {
	pool := c.Prog.Pool
	n := &nativeRun{
		objs:   make([]vm.Object, 1, len(pool)+64),
		index:  make(map[vm.Object]uint64, len(pool)+64),
		pool:   len(pool),
		locals: make([]uint64, len(m.f.Locals)),
		stack:  make([]uint64, len(m.f.Stack)),
		spills: make([]uint64, len(m.spill)),
	}
	n.resetTable(pool)
	return n
}

func (n *nativeRun) resetTable(pool []vm.Object) {
	n.objs = append(n.objs[:1], pool...)
	clear(n.index)
	for i, o := range pool {
		if _, dup := n.index[o]; o != nil && !dup {
			n.index[o] = uint64(i + 1)
		}
	}
}

func (n *nativeRun) intern(o vm.Object) uint64 {
	if o == nil {
		return 0
	}
	if h, ok := n.index[o]; ok {
		return h
	}
	h := uint64(len(n.objs))
	n.objs = append(n.objs, o)
	n.index[o] = h
	return h
}

// compact rebuilds the table from the handles still reachable from the
// state block.
func (n *nativeRun) compact(pool []vm.Object) {
	old := n.objs
	n.objs = make([]vm.Object, 1, len(pool)+64)
	n.resetTable(pool)
	remap := func(hs []uint64) {
		for i, h := range hs {
			hs[i] = n.intern(old[h])
		}
	}
	remap(n.st.regs[:])
	remap(n.locals)
	remap(n.stack)
	remap(n.spills)
}

func sliceAddr(s []uint64) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

// syncOut copies the register file to the machine and, when full is set,
// the frame and the spill slots as well.
func (m *machine) syncOut(full bool) {
	n := m.native
	for i, h := range n.st.regs {
		m.r[i] = n.objs[h]
	}
	m.x = n.st.xregs
	m.z = n.st.z != 0
	if !full {
		return
	}
	f := m.f
	for i, h := range n.locals {
		f.Locals[i] = n.objs[h]
	}
	for i, h := range n.stack {
		f.Stack[i] = n.objs[h]
	}
	for i, h := range n.spills {
		m.spill[i] = n.objs[h]
	}
	f.SP = int(n.st.sp)
	f.Lasti = int(n.st.lasti)
	f.PC = int(n.st.pc)
}

// syncIn is the reverse of syncOut.
func (m *machine) syncIn(c *Code, full bool) {
	n := m.native
	if full || len(n.objs)-n.pool > compactAt {
		if full {
			n.resetTable(c.Prog.Pool)
		} else {
			n.compact(c.Prog.Pool)
		}
	}
	for i, o := range m.r {
		n.st.regs[i] = n.intern(o)
	}
	n.st.xregs = m.x
	n.st.z = 0
	if m.z {
		n.st.z = 1
	}
	if !full {
		return
	}
	f := m.f
	if len(n.locals) != len(f.Locals) {
		n.locals = make([]uint64, len(f.Locals))
	}
	if len(n.stack) != len(f.Stack) {
		n.stack = make([]uint64, len(f.Stack))
	}
	for i, o := range f.Locals {
		n.locals[i] = n.intern(o)
	}
	for i, o := range f.Stack {
		n.stack[i] = n.intern(o)
	}
	for i, o := range m.spill {
		n.spills[i] = n.intern(o)
	}
	n.st.sp = uint64(f.SP)
	n.st.lasti = uint64(f.Lasti)
	n.st.pc = uint64(f.PC)
}

// enter runs generated code from instruction address pc until it exits.
func (m *machine) enter(c *Code, pc int) {
	n := m.native
	n.st.locals = sliceAddr(n.locals)
	n.st.stack = sliceAddr(n.stack)
	n.st.spills = sliceAddr(n.spills)
	n.st.counts = sliceAddr(m.counts)
	n.st.intr = uintptr(m.rt.InterruptAddr())
	n.st.resume = c.Address + uint64(c.Native.Offsets[pc])
	n.st.exit = exitNone
	c.Native.call(uintptr(unsafe.Pointer(&n.st)))
	runtime.KeepAlive(n)
	runtime.KeepAlive(m)
}

// runNative executes c's machine code, stepping over the instructions that
// run on the host.
func (c *Code) runNative(m *machine) vm.Exit {
	m.native = newNativeRun(c, m)
	m.syncIn(c, true)
	words := c.Prog.Words

	pc := 0
	for {
		in := Decode(words[pc])
		if in.Op.Native() {
			m.enter(c, pc)
			switch m.native.st.exit {
			case exitReturn:
				m.syncOut(true)
				c.flushCounts(m.counts)
				return vm.Exit{Word: uint32(m.native.st.arg), Value: m.r[RES]}
			case exitStep:
				pc = int(m.native.st.arg)
				continue
			default:
				m.syncOut(true)
				m.ts.Exc = vm.Errorf(vm.RuntimeErrorType, "%s: native code exited without a reason", c.Unit.Name)
				return vm.Exit{Word: vm.ExitError}
			}
		}

		switch in.Op {
		case OpJMPTAB:
			pc = int(c.Prog.Table[m.native.st.lasti]) + int(in.Imm)
			continue
		case OpENTER:
			idx := int(m.native.st.pc)
			if !c.entryPoint(idx) {
				m.syncOut(true)
				return vm.Exit{Word: vm.ExitDeopt}
			}
			pc = int(c.Prog.Table[idx])
			continue
		}

		full := in.Op == OpCALL
		m.syncOut(full)
		next, exit, done := m.step(c, pc)
		if done {
			return exit
		}
		m.syncIn(c, full)
		pc = next
	}
}
