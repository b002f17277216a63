package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a bytecode instruction.
type Opcode uint8

// Stack and local-variable operations
const (
	OpNOP Opcode = iota
	OpPopTop
	OpRotTwo
	OpRotThree
	OpDupTop
	OpLoadConst   // push Consts[arg]
	OpLoadFast    // push local arg
	OpStoreFast   // pop into local arg
	OpDeleteFast  // unbind local arg
	OpLoadGlobal  // push global or builtin Names[arg]
	OpStoreGlobal // pop into global Names[arg]
)

// Attribute access and calls
const (
	OpLoadAttr     Opcode = iota + 0x10 // TOS = getattr(TOS, Names[arg])
	OpStoreAttr                         // setattr(TOS, Names[arg], TOS1); pop 2
	OpDeleteAttr                        // delattr(TOS, Names[arg]); pop 1
	OpLoadMethod                        // replace TOS with (method, self) or (NULL, attr)
	OpCallMethod                        // call result of LOAD_METHOD with arg arguments
	OpCallFunction                      // call TOS[arg] with arg arguments
)

// Operators
const (
	OpBinaryAdd Opcode = iota + 0x20
	OpBinarySubtract
	OpBinaryMultiply
	OpBinaryFloorDivide
	OpBinaryModulo
	OpBinarySubscr
	OpStoreSubscr // TOS1[TOS] = TOS2; pop 3
	OpCompareOp   // arg selects a CompareKind
	OpUnaryNot
	OpUnaryNegative
	OpBuildList
)

// Control flow
const (
	OpGetIter Opcode = iota + 0x30
	OpForIter        // push next(TOS) or pop TOS and jump forward by arg
	OpJumpForward
	OpJumpAbsolute
	OpPopJumpIfFalse
	OpPopJumpIfTrue
	OpReturnValue
)

// Exceptions and generators
const (
	OpSetupFinally Opcode = iota + 0x40 // push handler block; handler is next+arg
	OpPopBlock
	OpPopExcept
	OpRaiseVarargs
	OpReraise
	OpYieldValue
)

// CompareKind is the argument of COMPARE_OP.
type CompareKind int32

const (
	CmpLT CompareKind = iota
	CmpLE
	CmpEQ
	CmpNE
	CmpGT
	CmpGE
	CmpIn
	CmpNotIn
	CmpIs
	CmpIsNot
	CmpExcMatch
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// JumpKind says how an instruction's argument addresses its jump target.
type JumpKind uint8

const (
	NoJump JumpKind = iota
	JumpAbsolute
	JumpRelative
)

// CacheKind names the inline cache an instruction uses, if any.
type CacheKind uint8

const (
	CacheNone CacheKind = iota
	CacheLoadAttr
	CacheStoreAttr
	CacheLoadMethod
	CacheLoadGlobal

	// NumCacheKinds bounds the CacheKind values.
	NumCacheKinds
)

func (k CacheKind) String() string {
	switch k {
	case CacheLoadAttr:
		return "LOAD_ATTR"
	case CacheStoreAttr:
		return "STORE_ATTR"
	case CacheLoadMethod:
		return "LOAD_METHOD"
	case CacheLoadGlobal:
		return "LOAD_GLOBAL"
	}
	return "none"
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name       string
	Jump       JumpKind
	Terminal   bool // control never falls through
	Cache      CacheKind
	NoCallback bool // cannot run arbitrary code or raise
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:         {Name: "NOP", NoCallback: true},
	OpPopTop:      {Name: "POP_TOP", NoCallback: true},
	OpRotTwo:      {Name: "ROT_TWO", NoCallback: true},
	OpRotThree:    {Name: "ROT_THREE", NoCallback: true},
	OpDupTop:      {Name: "DUP_TOP", NoCallback: true},
	OpLoadConst:   {Name: "LOAD_CONST", NoCallback: true},
	OpLoadFast:    {Name: "LOAD_FAST"},
	OpStoreFast:   {Name: "STORE_FAST"},
	OpDeleteFast:  {Name: "DELETE_FAST"},
	OpLoadGlobal:  {Name: "LOAD_GLOBAL", Cache: CacheLoadGlobal},
	OpStoreGlobal: {Name: "STORE_GLOBAL"},

	OpLoadAttr:     {Name: "LOAD_ATTR", Cache: CacheLoadAttr},
	OpStoreAttr:    {Name: "STORE_ATTR", Cache: CacheStoreAttr},
	OpDeleteAttr:   {Name: "DELETE_ATTR"},
	OpLoadMethod:   {Name: "LOAD_METHOD", Cache: CacheLoadMethod},
	OpCallMethod:   {Name: "CALL_METHOD"},
	OpCallFunction: {Name: "CALL_FUNCTION"},

	OpBinaryAdd:         {Name: "BINARY_ADD"},
	OpBinarySubtract:    {Name: "BINARY_SUBTRACT"},
	OpBinaryMultiply:    {Name: "BINARY_MULTIPLY"},
	OpBinaryFloorDivide: {Name: "BINARY_FLOOR_DIVIDE"},
	OpBinaryModulo:      {Name: "BINARY_MODULO"},
	OpBinarySubscr:      {Name: "BINARY_SUBSCR"},
	OpStoreSubscr:       {Name: "STORE_SUBSCR"},
	OpCompareOp:         {Name: "COMPARE_OP"},
	OpUnaryNot:          {Name: "UNARY_NOT"},
	OpUnaryNegative:     {Name: "UNARY_NEGATIVE"},
	OpBuildList:         {Name: "BUILD_LIST"},

	OpGetIter:        {Name: "GET_ITER"},
	OpForIter:        {Name: "FOR_ITER", Jump: JumpRelative},
	OpJumpForward:    {Name: "JUMP_FORWARD", Jump: JumpRelative, Terminal: true},
	OpJumpAbsolute:   {Name: "JUMP_ABSOLUTE", Jump: JumpAbsolute, Terminal: true},
	OpPopJumpIfFalse: {Name: "POP_JUMP_IF_FALSE", Jump: JumpAbsolute},
	OpPopJumpIfTrue:  {Name: "POP_JUMP_IF_TRUE", Jump: JumpAbsolute},
	OpReturnValue:    {Name: "RETURN_VALUE", Terminal: true},

	OpSetupFinally: {Name: "SETUP_FINALLY", Jump: JumpRelative},
	OpPopBlock:     {Name: "POP_BLOCK"},
	OpPopExcept:    {Name: "POP_EXCEPT"},
	OpRaiseVarargs: {Name: "RAISE_VARARGS", Terminal: true},
	OpReraise:      {Name: "RERAISE", Terminal: true},
	OpYieldValue:   {Name: "YIELD_VALUE"},
}

// Info returns metadata for op.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), Terminal: true}
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// StackEffect returns the change in stack depth caused by executing op with
// arg. jump selects the effect on the branch-taken edge.
func StackEffect(op Opcode, arg int32, jump bool) int {
	switch op {
	case OpNOP, OpRotTwo, OpRotThree, OpDeleteFast, OpLoadAttr, OpUnaryNot,
		OpUnaryNegative, OpGetIter, OpJumpForward, OpJumpAbsolute, OpPopBlock,
		OpPopExcept, OpYieldValue:
		return 0
	case OpPopTop, OpStoreFast, OpStoreGlobal, OpDeleteAttr, OpBinaryAdd,
		OpBinarySubtract, OpBinaryMultiply, OpBinaryFloorDivide, OpBinaryModulo,
		OpBinarySubscr, OpCompareOp, OpPopJumpIfFalse, OpPopJumpIfTrue,
		OpReturnValue, OpReraise:
		return -1
	case OpDupTop, OpLoadConst, OpLoadFast, OpLoadGlobal, OpLoadMethod:
		return 1
	case OpStoreAttr:
		return -2
	case OpStoreSubscr:
		return -3
	case OpCallMethod:
		return -int(arg) - 1
	case OpCallFunction, OpRaiseVarargs:
		return -int(arg)
	case OpBuildList:
		return 1 - int(arg)
	case OpForIter:
		if jump {
			return -1
		}
		return 1
	case OpSetupFinally:
		if jump {
			return 1
		}
		return 0
	}
	return 0
}
