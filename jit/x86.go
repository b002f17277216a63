package jit

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// x86-64 lowering
//
// A linked Program is translated instruction by instruction. Generated code
// works on a nativeState block addressed through R12 and only touches RAX,
// RCX and R12; it never uses the stack. Object registers, locals, stack
// slots and spill slots hold handles into the run's object table, so the
// code never stores a Go pointer.
//
// Instructions that need the Go heap (guard field loads, instance reads
// and writes, helper calls, the dispatch instructions) are not translated:
// their native form stores exitStep and the instruction's address in the
// state block and returns, and the host loop executes them on the portable
// machine before re-entering native code after them.
//
// The image starts with a prologue that moves the state pointer, passed in
// RAX, to R12 and jumps to nativeState.resume.
// ---------------------------------------------------------------------------

// Native exit codes stored in nativeState.exit.
const (
	exitNone uint64 = iota
	exitStep        // arg is the address of an instruction for the host
	exitReturn      // arg is the exit word
)

// x86-64 register numbers.
const (
	rAX  = 0
	rCX  = 1
	rR12 = 12
)

// nativeOps marks the instructions that have a machine code translation.
var nativeOps = [numOps]bool{
	OpNOP: true, OpMOVK: true, OpMOVR: true,
	OpLDL: true, OpSTL: true, OpCLRL: true,
	OpLDS: true, OpSTS: true, OpSETSP: true,
	OpSPILL: true, OpUNSPILL: true,
	OpSETLASTI: true, OpSETPC: true, OpCOUNT: true,
	OpJINT: true, OpJMP: true, OpJE: true, OpJNE: true,
	OpCMPRK: true, OpCMPRR: true, OpTSTR: true, OpCMPXI: true, OpCMPXW: true,
	OpRET: true,
}

// Native reports whether op is translated to machine code. Every other
// instruction runs on the host.
func (op Op) Native() bool { return op < numOps && nativeOps[op] }

// NativeImage is the machine code of a unit.
type NativeImage struct {
	Bytes []byte
	// Offsets maps each instruction address of the program to the offset
	// of its translation; data words map to -1.
	Offsets []int32

	entry *funcval
	call  func(state uintptr)
}

// x86 is a small x86-64 encoder.
type x86 struct {
	buf []byte
}

func (x *x86) pos() int { return len(x.buf) }

func (x *x86) emit(b ...byte) { x.buf = append(x.buf, b...) }

func (x *x86) u32(v uint32) { x.buf = binary.LittleEndian.AppendUint32(x.buf, v) }

func (x *x86) u64(v uint64) { x.buf = binary.LittleEndian.AppendUint64(x.buf, v) }

// rex emits a REX.W prefix for reg and base.
func (x *x86) rex(reg, base byte) {
	x.emit(0x48 | (reg>>3)<<2 | base>>3)
}

// mem emits a ModRM with a 32-bit displacement off base.
func (x *x86) mem(reg, base byte, disp int32) {
	x.emit(0x80 | (reg&7)<<3 | base&7)
	if base&7 == 4 {
		x.emit(0x24)
	}
	x.u32(uint32(disp))
}

// load emits mov reg, [base+disp].
func (x *x86) load(reg, base byte, disp int32) {
	x.rex(reg, base)
	x.emit(0x8b)
	x.mem(reg, base, disp)
}

// store emits mov [base+disp], reg.
func (x *x86) store(base byte, disp int32, reg byte) {
	x.rex(reg, base)
	x.emit(0x89)
	x.mem(reg, base, disp)
}

// storeImm emits mov qword [base+disp], imm (sign-extended).
func (x *x86) storeImm(base byte, disp int32, imm int32) {
	x.rex(0, base)
	x.emit(0xc7)
	x.mem(0, base, disp)
	x.u32(uint32(imm))
}

// incMem emits inc qword [base+disp].
func (x *x86) incMem(base byte, disp int32) {
	x.rex(0, base)
	x.emit(0xff)
	x.mem(0, base, disp)
}

// setZ stores the ZF of the last comparison to the state's Z flag.
func (x *x86) setZ() {
	x.emit(0x0f, 0x94, 0xc0) // sete al
	x.emit(0x0f, 0xb6, 0xc0) // movzx eax, al
	x.store(rR12, offZ, rAX)
}

// jump emits a jmp or jcc with a 32-bit displacement and returns the
// position of the displacement for patching.
func (x *x86) jump(opcode ...byte) int {
	x.emit(opcode...)
	at := x.pos()
	x.u32(0)
	return at
}

func (x *x86) patch(at, target int) {
	binary.LittleEndian.PutUint32(x.buf[at:], uint32(int32(target-(at+4))))
}

func (x *x86) exit(code uint64, arg int32) {
	x.storeImm(rR12, offExit, int32(code))
	x.storeImm(rR12, offArg, arg)
	x.emit(0xc3) // ret
}

var (
	jmpRel = []byte{0xe9}
	jzRel  = []byte{0x0f, 0x84}
	jnzRel = []byte{0x0f, 0x85}
	jleRel = []byte{0x0f, 0x8e}
)

// slotDisp returns the displacement of 8-byte slot i.
func slotDisp(op Op, i int32) (int32, error) {
	d := int64(i) * 8
	if i < 0 || d > math.MaxInt32 {
		return 0, fmt.Errorf("%s: slot %d out of range: %w", op, i, vm.ErrEncoding)
	}
	return int32(d), nil
}

// poolHandle is the object handle of pool entry i: one more than the
// index of the first entry equal to it. Nil entries share handle zero with
// every other unbound value.
func poolHandle(p *Program, i int32) int32 {
	o := p.Pool[i]
	if o == nil {
		return 0
	}
	for j := int32(0); j < i; j++ {
		if p.Pool[j] == o {
			return j + 1
		}
	}
	return i + 1
}

type branchFixup struct {
	at     int
	target int32
}

// lowerAMD64 translates p.
func lowerAMD64(p *Program) (*NativeImage, error) {
	x := &x86{buf: make([]byte, 0, len(p.Words)*12+16)}
	img := &NativeImage{Offsets: make([]int32, len(p.Words))}
	var fixups []branchFixup

	// mov r12, rax; jmp qword [r12+resume]
	x.emit(0x49, 0x89, 0xc4)
	x.emit(0x41, 0xff)
	x.mem(4, rR12, offResume)

	for pc := 0; pc < len(p.Words); {
		in := Decode(p.Words[pc])
		img.Offsets[pc] = int32(x.pos())
		if in.Op.Info().Wide {
			img.Offsets[pc+1] = -1
		}

		if !in.Op.Native() {
			x.exit(exitStep, int32(pc))
			pc += in.Op.Width()
			continue
		}

		switch in.Op {
		case OpNOP:
		case OpMOVK:
			x.storeImm(rR12, regDisp(in.A), poolHandle(p, in.Imm))
		case OpMOVR:
			x.load(rAX, rR12, regDisp(in.B))
			x.store(rR12, regDisp(in.A), rAX)
		case OpLDL, OpLDS, OpUNSPILL:
			d, err := slotDisp(in.Op, in.Imm)
			if err != nil {
				return nil, err
			}
			x.load(rCX, rR12, arrayDisp(in.Op))
			x.load(rAX, rCX, d)
			x.store(rR12, regDisp(in.A), rAX)
		case OpSTL, OpSTS, OpSPILL:
			d, err := slotDisp(in.Op, in.Imm)
			if err != nil {
				return nil, err
			}
			x.load(rCX, rR12, arrayDisp(in.Op))
			x.load(rAX, rR12, regDisp(in.A))
			x.store(rCX, d, rAX)
		case OpCLRL:
			d, err := slotDisp(in.Op, in.Imm)
			if err != nil {
				return nil, err
			}
			x.load(rCX, rR12, offLocals)
			x.storeImm(rCX, d, 0)
		case OpCOUNT:
			d, err := slotDisp(in.Op, in.Imm)
			if err != nil {
				return nil, err
			}
			x.load(rCX, rR12, offCounts)
			x.incMem(rCX, d)
		case OpSETSP:
			// Clear the slots between the new and the old depth, then
			// record the new depth.
			x.load(rAX, rR12, offSP)
			x.storeImm(rR12, offSP, in.Imm)
			x.load(rCX, rR12, offStack)
			loop := x.pos()
			x.emit(0x48, 0x3d) // cmp rax, imm32
			x.u32(uint32(in.Imm))
			done := x.jump(jleRel...)
			x.emit(0x48, 0xff, 0xc8)                   // dec rax
			x.emit(0x48, 0xc7, 0x04, 0xc1, 0, 0, 0, 0) // mov qword [rcx+rax*8], 0
			x.patch(x.jump(jmpRel...), loop)
			x.patch(done, x.pos())
		case OpSETLASTI:
			x.storeImm(rR12, offLasti, in.Imm)
		case OpSETPC:
			x.storeImm(rR12, offPC, in.Imm)

		case OpJINT:
			x.load(rCX, rR12, offIntr)
			x.emit(0x8b, 0x01) // mov eax, [rcx]
			x.emit(0xa9)       // test eax, imm32
			x.u32(uint32(in.A))
			fixups = append(fixups, branchFixup{x.jump(jnzRel...), in.Imm})
		case OpJMP:
			fixups = append(fixups, branchFixup{x.jump(jmpRel...), in.Imm})
		case OpJE, OpJNE:
			x.load(rAX, rR12, offZ)
			x.emit(0x48, 0x85, 0xc0) // test rax, rax
			jcc := jnzRel
			if in.Op == OpJNE {
				jcc = jzRel
			}
			fixups = append(fixups, branchFixup{x.jump(jcc...), in.Imm})

		case OpCMPRK:
			x.load(rAX, rR12, regDisp(in.A))
			x.emit(0x48, 0x3d) // cmp rax, imm32
			x.u32(uint32(poolHandle(p, in.Imm)))
			x.setZ()
		case OpCMPRR:
			x.load(rAX, rR12, regDisp(in.A))
			x.load(rCX, rR12, regDisp(in.B))
			x.emit(0x48, 0x39, 0xc8) // cmp rax, rcx
			x.setZ()
		case OpTSTR:
			x.load(rAX, rR12, regDisp(in.A))
			x.emit(0x48, 0x85, 0xc0) // test rax, rax
			x.setZ()
		case OpCMPXI:
			x.load(rAX, rR12, xregDisp(in.A))
			x.emit(0x48, 0x3d)
			x.u32(uint32(in.Imm))
			x.setZ()
		case OpCMPXW:
			x.load(rAX, rR12, xregDisp(in.A))
			x.emit(0x48, 0xb9) // mov rcx, imm64
			x.u64(p.Words[pc+1])
			x.emit(0x48, 0x39, 0xc8)
			x.setZ()

		case OpRET:
			x.exit(exitReturn, in.Imm)
		}
		pc += in.Op.Width()
	}

	for _, f := range fixups {
		if f.target < 0 || int(f.target) >= len(img.Offsets) || img.Offsets[f.target] < 0 {
			return nil, fmt.Errorf("branch to %d is not an instruction: %w", f.target, vm.ErrEncoding)
		}
		x.patch(f.at, int(img.Offsets[f.target]))
	}
	img.Bytes = x.buf
	return img, nil
}

func regDisp(r uint8) int32  { return offRegs + int32(r)*8 }
func xregDisp(r uint8) int32 { return offXRegs + int32(r)*8 }

// arrayDisp returns the state field holding the handle array op indexes.
func arrayDisp(op Op) int32 {
	switch op {
	case OpLDL, OpSTL, OpCLRL:
		return offLocals
	case OpLDS, OpSTS:
		return offStack
	}
	return offSpills
}
