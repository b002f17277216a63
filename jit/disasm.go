package jit

import (
	"fmt"
	"strings"

	"github.com/chazu/tiervm/vm"
)

// Disassemble returns a human-readable listing of the compiled code. Each
// bytecode instruction's entry address is marked with its index and
// opcode.
func (c *Code) Disassemble() string {
	var b strings.Builder
	backend := "portable"
	if c.Native != nil {
		backend = "x86-64"
	}
	fmt.Fprintf(&b, "%s @ %#x (%s, %d bytes, %d spill slots)\n", c.Unit.Name, c.Address, backend, c.Size(), c.Spills)
	disassemble(&b, c.Prog, c.Unit)
	return b.String()
}

// Disassemble renders a linked program. unit supplies bytecode opcode and
// attribute names and may be nil.
func Disassemble(p *Program, unit *vm.FunctionUnit) string {
	var b strings.Builder
	disassemble(&b, p, unit)
	return b.String()
}

func disassemble(b *strings.Builder, p *Program, unit *vm.FunctionUnit) {
	marks := make(map[int][]int)
	for idx, addr := range p.Table {
		if addr >= 0 {
			marks[int(addr)] = append(marks[int(addr)], idx)
		}
	}

	sec := Section(0)
	for pc := 0; pc < len(p.Words); {
		for sec < numSections && p.Sections[sec] == pc {
			fmt.Fprintf(b, "%s:\n", sec)
			sec++
		}
		for _, idx := range marks[pc] {
			op := "?"
			if unit != nil && idx < len(unit.Instrs) {
				op = unit.Instrs[idx].Op.String()
			}
			fmt.Fprintf(b, "  ; %d %s\n", idx, op)
		}

		in := Decode(p.Words[pc])
		var data uint64
		if in.Op.Info().Wide && pc+1 < len(p.Words) {
			data = p.Words[pc+1]
		}
		fmt.Fprintf(b, "%6d  %-9s %s\n", pc, in.Op, operands(in, data, p, unit))
		pc += in.Op.Width()
	}
}

func operands(in Instr, data uint64, p *Program, unit *vm.FunctionUnit) string {
	ra, rb := Reg(in.A), Reg(in.B)
	xa := XReg(in.A)
	switch in.Op {
	case OpNOP, OpENTER:
		return ""
	case OpMOVK, OpCMPRK:
		return fmt.Sprintf("%s, %s", ra, poolRepr(p, int(in.Imm)))
	case OpMOVR, OpCMPRR:
		return fmt.Sprintf("%s, %s", ra, rb)
	case OpLDL, OpSTL:
		return fmt.Sprintf("%s, local[%d]", ra, in.Imm)
	case OpCLRL:
		return fmt.Sprintf("local[%d]", in.Imm)
	case OpLDS, OpSTS:
		return fmt.Sprintf("%s, stack[%d]", ra, in.Imm)
	case OpSPILL, OpUNSPILL:
		return fmt.Sprintf("%s, spill[%d]", ra, in.Imm)
	case OpSETSP, OpSETLASTI, OpSETPC, OpJMPTAB:
		return fmt.Sprintf("%d", in.Imm)
	case OpJINT:
		return fmt.Sprintf("mask=%#x, -> %d", in.A, in.Imm)
	case OpJMP, OpJE, OpJNE:
		return fmt.Sprintf("-> %d", in.Imm)
	case OpTSTR:
		return ra.String()
	case OpCMPXI:
		return fmt.Sprintf("%s, %d", xa, in.Imm)
	case OpCMPXW:
		return fmt.Sprintf("%s, %#x", xa, data)
	case OpTYPEID, OpTYPEVER, OpKEYSID, OpKEYSVER, OpDICTVER, OpDICTSHAPE, OpHASVALS:
		return fmt.Sprintf("%s, %s", xa, rb)
	case OpGLOBVER, OpBLTVER, OpGLOBSHAPE:
		return xa.String()
	case OpLDSPLIT, OpLDSLOT:
		return fmt.Sprintf("%s, %s[%d]", ra, rb, in.Imm)
	case OpLDDENT:
		return fmt.Sprintf("%s, %s[%d] %s", ra, rb, in.Imm, nameRepr(unit, data))
	case OpLDGENT:
		return fmt.Sprintf("%s, globals[%d] %s", ra, in.Imm, nameRepr(unit, data))
	case OpSTSPLIT:
		s := fmt.Sprintf("%s[%d], %s", ra, in.Imm, rb)
		if in.C != 0 {
			s += " init"
		}
		return s
	case OpSTSLOT:
		return fmt.Sprintf("%s[%d], %s", ra, in.Imm, rb)
	case OpCOUNT:
		return fmt.Sprintf("counter[%d]", in.Imm)
	case OpCALL:
		return HelperID(in.Imm).String()
	case OpRET:
		return exitRepr(uint32(in.Imm))
	}
	return fmt.Sprintf("a=%d b=%d c=%d imm=%d", in.A, in.B, in.C, in.Imm)
}

func poolRepr(p *Program, i int) string {
	if i < 0 || i >= len(p.Pool) {
		return fmt.Sprintf("pool[%d]", i)
	}
	if p.Pool[i] == nil {
		return "<null>"
	}
	return vm.Repr(p.Pool[i])
}

func nameRepr(unit *vm.FunctionUnit, i uint64) string {
	if unit == nil || i >= uint64(len(unit.Names)) {
		return fmt.Sprintf("name[%d]", i)
	}
	return "'" + unit.Names[i] + "'"
}

func exitRepr(word uint32) string {
	var s string
	switch word & 3 {
	case vm.ExitNormal:
		s = "normal"
	case vm.ExitError:
		s = "error"
	case vm.ExitYield:
		s = "yield"
	case vm.ExitDeopt:
		s = "deopt"
	}
	if word&vm.ExitFlag != 0 {
		s += "|flag"
	}
	return s
}
