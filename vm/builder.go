package vm

import (
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing function units
// ---------------------------------------------------------------------------

// Builder assembles a FunctionUnit instruction by instruction.
type Builder struct {
	code   *FunctionUnit
	line   int32
	consts map[any]int
	names  map[string]int
	locals map[string]int
	labels []*Label
}

// Label marks a jump target that may not be known yet.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewBuilder starts a unit called name whose first len(args) locals are its
// arguments.
func NewBuilder(name string, args ...string) *Builder {
	b := &Builder{
		code: &FunctionUnit{
			ID:       uuid.New(),
			Name:     name,
			Filename: "<builder>",
			ArgCount: len(args),
		},
		line:   1,
		consts: make(map[any]int),
		names:  make(map[string]int),
		locals: make(map[string]int),
	}
	for _, a := range args {
		b.Local(a)
	}
	return b
}

// Generator marks the unit as a generator function.
func (b *Builder) Generator() *Builder {
	b.code.Generator = true
	return b
}

// Line sets the source line recorded for subsequently emitted instructions.
func (b *Builder) Line(n int) *Builder {
	b.line = int32(n)
	return b
}

// Len returns the index the next instruction will get.
func (b *Builder) Len() int {
	return len(b.code.Instrs)
}

// Emit appends an instruction and returns its index.
func (b *Builder) Emit(op Opcode, arg int32) int {
	b.code.Instrs = append(b.code.Instrs, Instr{Op: op, Arg: arg})
	b.code.Lines = append(b.code.Lines, b.line)
	return len(b.code.Instrs) - 1
}

// Const interns a constant and returns its pool index.
func (b *Builder) Const(v Object) int {
	var key any
	switch c := v.(type) {
	case Int, Str, Bool:
		key = c
	case *NoneType:
		key = "<None>"
	}
	if key != nil {
		if i, ok := b.consts[key]; ok {
			return i
		}
	}
	b.code.Consts = append(b.code.Consts, v)
	i := len(b.code.Consts) - 1
	if key != nil {
		b.consts[key] = i
	}
	return i
}

// Name interns an attribute or global name.
func (b *Builder) Name(n string) int {
	if i, ok := b.names[n]; ok {
		return i
	}
	b.code.Names = append(b.code.Names, n)
	b.names[n] = len(b.code.Names) - 1
	return b.names[n]
}

// Local returns the slot of a local variable, allocating it if needed.
func (b *Builder) Local(n string) int {
	if i, ok := b.locals[n]; ok {
		return i
	}
	b.code.LocalNames = append(b.code.LocalNames, n)
	b.locals[n] = len(b.code.LocalNames) - 1
	return b.locals[n]
}

// Convenience emitters.

func (b *Builder) LoadConst(v Object) int  { return b.Emit(OpLoadConst, int32(b.Const(v))) }
func (b *Builder) LoadFast(n string) int   { return b.Emit(OpLoadFast, int32(b.Local(n))) }
func (b *Builder) StoreFast(n string) int  { return b.Emit(OpStoreFast, int32(b.Local(n))) }
func (b *Builder) DeleteFast(n string) int { return b.Emit(OpDeleteFast, int32(b.Local(n))) }
func (b *Builder) LoadGlobal(n string) int { return b.Emit(OpLoadGlobal, int32(b.Name(n))) }
func (b *Builder) StoreGlobal(n string) int {
	return b.Emit(OpStoreGlobal, int32(b.Name(n)))
}
func (b *Builder) LoadAttr(n string) int   { return b.Emit(OpLoadAttr, int32(b.Name(n))) }
func (b *Builder) StoreAttr(n string) int  { return b.Emit(OpStoreAttr, int32(b.Name(n))) }
func (b *Builder) DeleteAttr(n string) int { return b.Emit(OpDeleteAttr, int32(b.Name(n))) }
func (b *Builder) LoadMethod(n string) int { return b.Emit(OpLoadMethod, int32(b.Name(n))) }
func (b *Builder) CallMethod(argc int) int { return b.Emit(OpCallMethod, int32(argc)) }
func (b *Builder) CallFunction(argc int) int {
	return b.Emit(OpCallFunction, int32(argc))
}
func (b *Builder) Compare(k CompareKind) int { return b.Emit(OpCompareOp, int32(k)) }
func (b *Builder) Op(op Opcode) int         { return b.Emit(op, 0) }

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the next instruction index.
func (b *Builder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.code.Instrs)
	for _, ref := range l.refs {
		b.patch(ref, l.position)
	}
	l.refs = nil
}

// Jump emits a jump-family instruction targeting l.
func (b *Builder) Jump(op Opcode, l *Label) int {
	idx := b.Emit(op, 0)
	if l.resolved {
		b.patch(idx, l.position)
	} else {
		l.refs = append(l.refs, idx)
	}
	return idx
}

func (b *Builder) patch(idx, target int) {
	in := &b.code.Instrs[idx]
	switch in.Op.Info().Jump {
	case JumpAbsolute:
		in.Arg = int32(target)
	case JumpRelative:
		if target <= idx {
			panic(fmt.Sprintf("%s cannot jump backwards", in.Op))
		}
		in.Arg = int32(target - idx - 1)
	default:
		panic(fmt.Sprintf("%s is not a jump", in.Op))
	}
}

// Build finishes the unit, checking labels and computing the stack size.
func (b *Builder) Build() (*FunctionUnit, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("%s: unresolved label", b.code.Name)
		}
	}
	depths, err := b.code.StackDepths()
	if err != nil {
		return nil, err
	}
	max := 0
	for i, d := range depths {
		if d > max {
			max = d
		}
		if d >= 0 {
			if after := d + StackEffect(b.code.Instrs[i].Op, b.code.Instrs[i].Arg, false); after > max {
				max = after
			}
			if after := d + StackEffect(b.code.Instrs[i].Op, b.code.Instrs[i].Arg, true); after > max {
				max = after
			}
		}
	}
	b.code.StackSize = max + 1
	return b.code, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *FunctionUnit {
	code, err := b.Build()
	if err != nil {
		panic(err)
	}
	return code
}
