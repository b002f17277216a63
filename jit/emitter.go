package jit

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/tiervm/vm"
)

// Label names a code position that may not be known yet.
type Label int32

// NoLabel is the zero label; it is never bound.
const NoLabel Label = 0

// Section selects where emitted code goes. Sections are laid out in
// declaration order at link time.
type Section uint8

const (
	// SecEntry holds the prologue that dispatches on Frame.PC.
	SecEntry Section = iota
	// SecCode holds the hot path, one block per bytecode instruction.
	SecCode
	// SecCold holds interrupt stubs, cache-miss blocks and the shared exits.
	SecCold

	numSections
)

func (s Section) String() string {
	return [...]string{"entry", "code", "cold"}[s]
}

// Guard selects the runtime field a guard compares.
type Guard uint8

const (
	GuardTypeID Guard = iota
	GuardTypeVersion
	GuardKeysID
	GuardKeysVersion
	GuardDictVersion
	GuardDictShape
	GuardHasValues
	GuardGlobalsVersion
	GuardBuiltinsVersion
	GuardGlobalsShape
)

var guardOps = [...]Op{
	GuardTypeID:          OpTYPEID,
	GuardTypeVersion:     OpTYPEVER,
	GuardKeysID:          OpKEYSID,
	GuardKeysVersion:     OpKEYSVER,
	GuardDictVersion:     OpDICTVER,
	GuardDictShape:       OpDICTSHAPE,
	GuardHasValues:       OpHASVALS,
	GuardGlobalsVersion:  OpGLOBVER,
	GuardBuiltinsVersion: OpBLTVER,
	GuardGlobalsShape:    OpGLOBSHAPE,
}

// Emitter is the code generation backend seen by the code generator.
// Encoding errors are sticky: the first one is reported by Err and every
// later emission is ignored.
type Emitter interface {
	NewLabel() Label
	Bind(l Label)
	SetSection(s Section) Section
	// MarkInstr records the current position as the address of bytecode
	// instruction idx.
	MarkInstr(idx int)

	EmitMove(dst, src Reg)
	EmitLoadObject(r Reg, o vm.Object)
	EmitLoadLocal(r Reg, local int)
	EmitStoreLocal(r Reg, local int)
	EmitClearLocal(local int)
	EmitLoadStack(r Reg, pos int)
	EmitStoreStack(r Reg, pos int)
	EmitSetSP(depth int)
	EmitSpill(r Reg, slot int)
	EmitUnspill(r Reg, slot int)

	// EmitCall calls helper h. Its Signal lands in X0.
	EmitCall(h HelperID)
	// EmitGuard loads field g of obj (ignored for namespace guards) into
	// x and branches to miss unless it equals want.
	EmitGuard(g Guard, x XReg, obj Reg, want uint64, miss Label)
	// EmitCheckpoint emits the fixed-size interrupt check of instruction
	// idx, branching to stub when any bit of mask is set.
	EmitCheckpoint(idx int, mask uint32, stub Label)
	EmitBranch(op Op, l Label)
	EmitCompareObject(r Reg, o vm.Object)
	EmitCompareSignal(sig vm.Signal)
	EmitOp(op Op, a, b, c uint8, imm int64)
	EmitWide(op Op, a, b, c uint8, imm int64, data uint64)
	EmitRet(word uint32)

	Err() error
}

// CheckpointWords is the size of every interrupt check: SETLASTI then JINT.
const CheckpointWords = 2

type labelPos struct {
	sec Section
	off int
}

type fixup struct {
	sec   Section
	off   int
	label Label
}

// Assembler is the Emitter of the portable backend. It buffers code per
// section and resolves labels when linked.
type Assembler struct {
	sections [numSections][]uint64
	cur      Section

	labels []labelPos
	fixups []fixup

	pool      []vm.Object
	poolIndex map[vm.Object]int

	instrLabels []Label

	err error
}

// NewAssembler returns an assembler for a unit of n bytecode instructions.
func NewAssembler(n int) *Assembler {
	a := &Assembler{
		cur:         SecCode,
		labels:      make([]labelPos, 1, 64),
		poolIndex:   make(map[vm.Object]int),
		instrLabels: make([]Label, n),
	}
	a.labels[0] = labelPos{off: -1}
	return a
}

// Err returns the first encoding error.
func (a *Assembler) Err() error { return a.err }

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, labelPos{off: -1})
	return Label(len(a.labels) - 1)
}

// Bind places l at the current position of the current section.
func (a *Assembler) Bind(l Label) {
	if l == NoLabel || int(l) >= len(a.labels) {
		a.fail(fmt.Errorf("bind of invalid label %d", l))
		return
	}
	if a.labels[l].off >= 0 {
		a.fail(fmt.Errorf("label %d bound twice", l))
		return
	}
	a.labels[l] = labelPos{sec: a.cur, off: len(a.sections[a.cur])}
}

// SetSection switches the current section and returns the previous one.
func (a *Assembler) SetSection(s Section) Section {
	prev := a.cur
	a.cur = s
	return prev
}

// MarkInstr implements Emitter.
func (a *Assembler) MarkInstr(idx int) {
	l := a.NewLabel()
	a.Bind(l)
	a.instrLabels[idx] = l
}

// Pool returns the object pool index of o, adding it when needed.
func (a *Assembler) Pool(o vm.Object) int {
	if i, ok := a.poolIndex[o]; ok {
		return i
	}
	a.pool = append(a.pool, o)
	a.poolIndex[o] = len(a.pool) - 1
	return len(a.pool) - 1
}

func (a *Assembler) emit(op Op, ra, rb, rc uint8, imm int64) {
	if a.err != nil {
		return
	}
	w, err := Encode(op, ra, rb, rc, imm)
	if err != nil {
		a.fail(err)
		return
	}
	a.sections[a.cur] = append(a.sections[a.cur], w)
}

// EmitOp emits a single-word instruction.
func (a *Assembler) EmitOp(op Op, ra, rb, rc uint8, imm int64) {
	if op.Info().Wide || op.Info().Branch {
		a.fail(fmt.Errorf("%s cannot be emitted as a plain instruction", op))
		return
	}
	a.emit(op, ra, rb, rc, imm)
}

// EmitWide emits a two-word instruction.
func (a *Assembler) EmitWide(op Op, ra, rb, rc uint8, imm int64, data uint64) {
	if !op.Info().Wide {
		a.fail(fmt.Errorf("%s is not a wide instruction", op))
		return
	}
	a.emit(op, ra, rb, rc, imm)
	if a.err == nil {
		a.sections[a.cur] = append(a.sections[a.cur], data)
	}
}

func (a *Assembler) emitBranch(op Op, ra uint8, l Label) {
	if a.err != nil {
		return
	}
	a.fixups = append(a.fixups, fixup{sec: a.cur, off: len(a.sections[a.cur]), label: l})
	a.emit(op, ra, 0, 0, 0)
}

// EmitBranch emits JMP, JE or JNE to l.
func (a *Assembler) EmitBranch(op Op, l Label) {
	if !op.Info().Branch || op == OpJINT {
		a.fail(fmt.Errorf("%s is not a branch", op))
		return
	}
	a.emitBranch(op, 0, l)
}

func (a *Assembler) EmitMove(dst, src Reg) {
	if dst != src {
		a.emit(OpMOVR, uint8(dst), uint8(src), 0, 0)
	}
}

func (a *Assembler) EmitLoadObject(r Reg, o vm.Object) {
	a.emit(OpMOVK, uint8(r), 0, 0, int64(a.Pool(o)))
}

func (a *Assembler) EmitLoadLocal(r Reg, local int) {
	a.emit(OpLDL, uint8(r), 0, 0, int64(local))
}

func (a *Assembler) EmitStoreLocal(r Reg, local int) {
	a.emit(OpSTL, uint8(r), 0, 0, int64(local))
}

func (a *Assembler) EmitClearLocal(local int) {
	a.emit(OpCLRL, 0, 0, 0, int64(local))
}

func (a *Assembler) EmitLoadStack(r Reg, pos int) {
	a.emit(OpLDS, uint8(r), 0, 0, int64(pos))
}

func (a *Assembler) EmitStoreStack(r Reg, pos int) {
	a.emit(OpSTS, uint8(r), 0, 0, int64(pos))
}

func (a *Assembler) EmitSetSP(depth int) {
	a.emit(OpSETSP, 0, 0, 0, int64(depth))
}

func (a *Assembler) EmitSpill(r Reg, slot int) {
	a.emit(OpSPILL, uint8(r), 0, 0, int64(slot))
}

func (a *Assembler) EmitUnspill(r Reg, slot int) {
	a.emit(OpUNSPILL, uint8(r), 0, 0, int64(slot))
}

func (a *Assembler) EmitCall(h HelperID) {
	a.emit(OpCALL, 0, 0, 0, int64(h))
}

func (a *Assembler) EmitGuard(g Guard, x XReg, obj Reg, want uint64, miss Label) {
	a.emit(guardOps[g], uint8(x), uint8(obj), 0, 0)
	if want <= math.MaxInt32 {
		a.emit(OpCMPXI, uint8(x), 0, 0, int64(want))
	} else {
		a.EmitWide(OpCMPXW, uint8(x), 0, 0, 0, want)
	}
	a.emitBranch(OpJNE, 0, miss)
}

func (a *Assembler) EmitCheckpoint(idx int, mask uint32, stub Label) {
	if a.err != nil {
		return
	}
	before := len(a.sections[a.cur])
	a.emit(OpSETLASTI, 0, 0, 0, int64(idx))
	a.emitBranch(OpJINT, uint8(mask), stub)
	if a.err == nil && len(a.sections[a.cur])-before != CheckpointWords {
		a.fail(fmt.Errorf("checkpoint of instruction %d is not %d words: %w", idx, CheckpointWords, vm.ErrEncoding))
	}
}

func (a *Assembler) EmitCompareObject(r Reg, o vm.Object) {
	a.emit(OpCMPRK, uint8(r), 0, 0, int64(a.Pool(o)))
}

func (a *Assembler) EmitCompareSignal(sig vm.Signal) {
	a.emit(OpCMPXI, uint8(XSIG), 0, 0, int64(sig))
}

func (a *Assembler) EmitRet(word uint32) {
	a.emit(OpRET, 0, 0, 0, int64(word))
}

// Len returns the number of words emitted into section s so far.
func (a *Assembler) Len(s Section) int { return len(a.sections[s]) }

// ---------------------------------------------------------------------------
// Linking
// ---------------------------------------------------------------------------

// Program is linked machine code.
type Program struct {
	Words []uint64
	Pool  []vm.Object
	// Table maps each bytecode instruction to the address of its code, or
	// -1 when the instruction has none.
	Table []int32
	// Sections records where each section starts.
	Sections [numSections]int
}

// Size returns the code size in bytes.
func (p *Program) Size() int { return len(p.Words) * 8 }

// Bytes returns the words in little-endian order.
func (p *Program) Bytes() []byte {
	b := make([]byte, 0, p.Size())
	for _, w := range p.Words {
		b = binary.LittleEndian.AppendUint64(b, w)
	}
	return b
}

// Link lays out the sections and resolves every label reference.
func (a *Assembler) Link() (*Program, error) {
	if a.err != nil {
		return nil, a.err
	}
	p := &Program{Pool: a.pool}
	total := 0
	for s := Section(0); s < numSections; s++ {
		p.Sections[s] = total
		total += len(a.sections[s])
	}
	if total > math.MaxInt32 {
		return nil, fmt.Errorf("program of %d words: %w", total, vm.ErrEncoding)
	}
	p.Words = make([]uint64, 0, total)
	for s := Section(0); s < numSections; s++ {
		p.Words = append(p.Words, a.sections[s]...)
	}

	addr := func(l Label) (int32, error) {
		if l == NoLabel || int(l) >= len(a.labels) || a.labels[l].off < 0 {
			return 0, fmt.Errorf("undefined label %d", l)
		}
		pos := a.labels[l]
		return int32(p.Sections[pos.sec] + pos.off), nil
	}
	for _, f := range a.fixups {
		target, err := addr(f.label)
		if err != nil {
			return nil, err
		}
		at := p.Sections[f.sec] + f.off
		p.Words[at] = withImm(p.Words[at], target)
	}

	p.Table = make([]int32, len(a.instrLabels))
	for i, l := range a.instrLabels {
		p.Table[i] = -1
		if l != NoLabel {
			target, err := addr(l)
			if err != nil {
				return nil, err
			}
			p.Table[i] = target
		}
	}
	return p, nil
}
