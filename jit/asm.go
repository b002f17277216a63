package jit

import (
	"fmt"
	"math"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Machine instruction encoding
//
// Every machine instruction is one 64-bit word:
//
//	bits  0-7   opcode
//	bits  8-11  field A (register, mask or flag)
//	bits 12-15  field B
//	bits 16-19  field C
//	bits 20-31  zero
//	bits 32-63  signed 32-bit immediate
//
// Wide instructions are followed by one data word holding a 64-bit operand.
// Short instructions only accept a signed 16-bit immediate; their encoding
// never grows, which is what keeps templates built from them fixed-size.
// ---------------------------------------------------------------------------

// Op is a machine opcode.
type Op uint8

const (
	OpNOP Op = iota
	OpMOVK      // R[A] = pool[imm]
	OpMOVR      // R[A] = R[B]
	OpLDL       // R[A] = Locals[imm]
	OpSTL       // Locals[imm] = R[A]
	OpCLRL      // Locals[imm] = unbound
	OpLDS       // R[A] = Stack[imm]
	OpSTS       // Stack[imm] = R[A]
	OpSETSP     // SP = imm
	OpSPILL     // spill[imm] = R[A]
	OpUNSPILL   // R[A] = spill[imm]
	OpSETLASTI  // Lasti = imm (short)
	OpSETPC     // PC = imm
	OpJINT      // if interrupts&A != 0 goto imm
	OpJMP       // goto imm
	OpJE        // if Z goto imm
	OpJNE       // if !Z goto imm
	OpCMPRK     // Z = R[A] is pool[imm]
	OpCMPRR     // Z = R[A] is R[B]
	OpTSTR      // Z = R[A] is unbound
	OpCMPXI     // Z = X[A] == imm
	OpCMPXW     // Z = X[A] == data (wide)
	OpTYPEID    // X[A] = type id of R[B]
	OpTYPEVER   // X[A] = type version of R[B]
	OpKEYSID    // X[A] = split keys id of R[B]
	OpKEYSVER   // X[A] = split keys version of R[B]
	OpDICTVER   // X[A] = instance dict version of R[B]
	OpDICTSHAPE // X[A] = instance dict shape of R[B]
	OpHASVALS   // X[A] = 1 if R[B] has split values
	OpGLOBVER   // X[A] = globals version
	OpBLTVER    // X[A] = builtins version
	OpGLOBSHAPE // X[A] = globals shape
	OpLDSPLIT   // R[A] = split value imm of R[B]
	OpLDSLOT    // R[A] = slot imm of R[B]
	OpLDDENT    // R[A] = dict entry imm of R[B] keyed by names[data] (wide)
	OpLDGENT    // R[A] = globals entry imm keyed by names[data] (wide)
	OpSTSPLIT   // split value imm of R[A] = R[B], materializing when C != 0
	OpSTSLOT    // slot imm of R[A] = R[B]
	OpCALL      // X0, R0 = helper imm
	OpRET       // exit with word imm and value R0
	OpJMPTAB    // goto table[Lasti] + imm
	OpENTER     // goto table[PC], or deopt when PC is not an entry point
	OpCOUNT     // counter[imm]++

	numOps
)

// OpInfo describes the encoding of one machine opcode.
type OpInfo struct {
	Name   string
	Wide   bool // followed by a data word
	Short  bool // 16-bit immediate
	Branch bool // immediate is a code address
}

var opInfo = [numOps]OpInfo{
	OpNOP:       {Name: "NOP"},
	OpMOVK:      {Name: "MOVK"},
	OpMOVR:      {Name: "MOVR"},
	OpLDL:       {Name: "LDL"},
	OpSTL:       {Name: "STL"},
	OpCLRL:      {Name: "CLRL"},
	OpLDS:       {Name: "LDS"},
	OpSTS:       {Name: "STS"},
	OpSETSP:     {Name: "SETSP"},
	OpSPILL:     {Name: "SPILL"},
	OpUNSPILL:   {Name: "UNSPILL"},
	OpSETLASTI:  {Name: "SETLASTI", Short: true},
	OpSETPC:     {Name: "SETPC"},
	OpJINT:      {Name: "JINT", Branch: true},
	OpJMP:       {Name: "JMP", Branch: true},
	OpJE:        {Name: "JE", Branch: true},
	OpJNE:       {Name: "JNE", Branch: true},
	OpCMPRK:     {Name: "CMPRK"},
	OpCMPRR:     {Name: "CMPRR"},
	OpTSTR:      {Name: "TSTR"},
	OpCMPXI:     {Name: "CMPXI"},
	OpCMPXW:     {Name: "CMPXW", Wide: true},
	OpTYPEID:    {Name: "TYPEID"},
	OpTYPEVER:   {Name: "TYPEVER"},
	OpKEYSID:    {Name: "KEYSID"},
	OpKEYSVER:   {Name: "KEYSVER"},
	OpDICTVER:   {Name: "DICTVER"},
	OpDICTSHAPE: {Name: "DICTSHAPE"},
	OpHASVALS:   {Name: "HASVALS"},
	OpGLOBVER:   {Name: "GLOBVER"},
	OpBLTVER:    {Name: "BLTVER"},
	OpGLOBSHAPE: {Name: "GLOBSHAPE"},
	OpLDSPLIT:   {Name: "LDSPLIT"},
	OpLDSLOT:    {Name: "LDSLOT"},
	OpLDDENT:    {Name: "LDDENT", Wide: true},
	OpLDGENT:    {Name: "LDGENT", Wide: true},
	OpSTSPLIT:   {Name: "STSPLIT"},
	OpSTSLOT:    {Name: "STSLOT"},
	OpCALL:      {Name: "CALL"},
	OpRET:       {Name: "RET"},
	OpJMPTAB:    {Name: "JMPTAB"},
	OpENTER:     {Name: "ENTER"},
	OpCOUNT:     {Name: "COUNT"},
}

// Info returns the encoding description of op.
func (op Op) Info() OpInfo {
	if op >= numOps {
		return OpInfo{Name: fmt.Sprintf("OP_%d", op)}
	}
	return opInfo[op]
}

func (op Op) String() string { return op.Info().Name }

// Width returns the number of words an instruction with op occupies.
func (op Op) Width() int {
	if op.Info().Wide {
		return 2
	}
	return 1
}

// Instr is a decoded machine instruction.
type Instr struct {
	Op      Op
	A, B, C uint8
	Imm     int32
}

// Encode packs an instruction into its word. It fails with vm.ErrEncoding
// when a field does not fit.
func Encode(op Op, a, b, c uint8, imm int64) (uint64, error) {
	if op >= numOps {
		return 0, fmt.Errorf("opcode %d: %w", op, vm.ErrEncoding)
	}
	if a > 15 || b > 15 || c > 15 {
		return 0, fmt.Errorf("%s: register field out of range: %w", op, vm.ErrEncoding)
	}
	if op.Info().Short {
		if imm < math.MinInt16 || imm > math.MaxInt16 {
			return 0, fmt.Errorf("%s: immediate %d needs more than 16 bits: %w", op, imm, vm.ErrEncoding)
		}
	} else if imm < math.MinInt32 || imm > math.MaxInt32 {
		return 0, fmt.Errorf("%s: immediate %d needs more than 32 bits: %w", op, imm, vm.ErrEncoding)
	}
	w := uint64(op) | uint64(a)<<8 | uint64(b)<<12 | uint64(c)<<16 | uint64(uint32(int32(imm)))<<32
	return w, nil
}

// Decode unpacks an instruction word.
func Decode(w uint64) Instr {
	return Instr{
		Op:  Op(w & 0xff),
		A:   uint8(w>>8) & 0xf,
		B:   uint8(w>>12) & 0xf,
		C:   uint8(w>>16) & 0xf,
		Imm: int32(uint32(w >> 32)),
	}
}

// withImm replaces the immediate of an encoded word.
func withImm(w uint64, imm int32) uint64 {
	return w&0xffffffff | uint64(uint32(imm))<<32
}
