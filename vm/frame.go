package vm

import "math"

// BlockKind distinguishes block-stack entries.
type BlockKind uint8

const (
	// BlockSetupFinally is pushed by SETUP_FINALLY and routes exceptions to
	// its handler.
	BlockSetupFinally BlockKind = iota
	// BlockExceptHandler marks a running handler; it restores the previously
	// handled exception when popped.
	BlockExceptHandler
)

// Block is one entry of a frame's block stack.
type Block struct {
	Kind    BlockKind
	Handler int // handler instruction index
	Level   int // operand stack depth to restore
	Saved   *Exception
}

// Frame is the activation record shared by the interpreter and compiled
// code. Both tiers read and write exactly these fields, which is what makes
// transfers between them free of translation.
type Frame struct {
	Code     *FunctionUnit
	Globals  *Dict
	Builtins *Dict
	Locals   []Object // nil entries are unbound
	Stack    []Object
	SP       int // number of live stack entries
	PC       int // index of the next instruction to execute
	Lasti    int // index of the instruction being executed
	Blocks   []Block

	// YieldValue carries the value of the last YIELD_VALUE out of the frame.
	YieldValue Object

	// instrPrev mirrors the interpreter's line-tracing bookkeeping: a line
	// event fires when an instruction starts a line or control moved
	// backwards past it.
	instrPrev int
	started   bool
}

// NewFrame allocates a frame for code.
func NewFrame(code *FunctionUnit, globals, builtins *Dict) *Frame {
	return &Frame{
		Code:      code,
		Globals:   globals,
		Builtins:  builtins,
		Locals:    make([]Object, code.NLocals()),
		Stack:     make([]Object, code.StackSize),
		Lasti:     -1,
		instrPrev: -1,
	}
}

// Push pushes v.
func (f *Frame) Push(v Object) {
	f.Stack[f.SP] = v
	f.SP++
}

// Pop pops and returns the top of stack.
func (f *Frame) Pop() Object {
	f.SP--
	v := f.Stack[f.SP]
	f.Stack[f.SP] = nil
	return v
}

// Top returns the top of stack.
func (f *Frame) Top() Object { return f.Stack[f.SP-1] }

// Peek returns the entry n positions below the top (Peek(1) is the top).
func (f *Frame) Peek(n int) Object { return f.Stack[f.SP-n] }

// SetTop replaces the top of stack.
func (f *Frame) SetTop(v Object) { f.Stack[f.SP-1] = v }

// Snapshot copies the live operand stack.
func (f *Frame) Snapshot() []Object {
	return append([]Object(nil), f.Stack[:f.SP]...)
}

// truncate pops down to level.
func (f *Frame) truncate(level int) {
	for f.SP > level {
		f.Pop()
	}
}

// PushBlock pushes a block-stack entry.
func (f *Frame) PushBlock(b Block) {
	f.Blocks = append(f.Blocks, b)
}

// PopBlock pops the innermost block-stack entry.
func (f *Frame) PopBlock() (Block, bool) {
	if len(f.Blocks) == 0 {
		return Block{}, false
	}
	b := f.Blocks[len(f.Blocks)-1]
	f.Blocks = f.Blocks[:len(f.Blocks)-1]
	return b, true
}

// ResumeLineTracing sets the tracing bookkeeping after a deopt at f.PC.
// When newLine is set the next instruction reports a line event even if it
// does not start a line.
func (f *Frame) ResumeLineTracing(newLine bool) {
	if newLine {
		f.instrPrev = math.MaxInt
	} else {
		f.instrPrev = f.PC
	}
}

// ThreadState is the per-thread execution state.
type ThreadState struct {
	// Exc is the exception currently propagating.
	Exc *Exception
	// Handled is the exception being handled by an active except block.
	Handled *Exception
	Depth   int
	// HoldsLock is set while the thread owns the execution lock. Only
	// such a thread honours lock-drop requests.
	HoldsLock bool
}

// NewThreadState returns a fresh thread state.
func NewThreadState() *ThreadState {
	return &ThreadState{}
}

// MaxRecursionDepth bounds nested calls.
const MaxRecursionDepth = 1000

// argsFrom copies the stack entries from position i to the top.
func (f *Frame) argsFrom(i int) []Object {
	return append([]Object(nil), f.Stack[i:f.SP]...)
}
