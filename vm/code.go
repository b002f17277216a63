package vm

import (
	"fmt"

	"github.com/google/uuid"
)

// Instr is one bytecode instruction. Instructions are addressed by index;
// jump arguments count instructions, not bytes.
type Instr struct {
	Op  Opcode
	Arg int32
}

// FunctionUnit is the compilation unit: one function body's bytecode with
// its pools. The instruction stream is immutable once built; tiering state,
// cache slots and compiled code are attached lazily.
type FunctionUnit struct {
	ID         uuid.UUID
	Name       string
	Filename   string
	Instrs     []Instr
	Consts     []Object
	Names      []string
	LocalNames []string
	ArgCount   int
	StackSize  int
	Lines      []int32 // source line of each instruction
	Generator  bool

	// Tier is the tiering state block.
	Tier Tiering
	// Caches holds one slot per cacheable instruction, indexed by
	// instruction. It is nil until the unit reaches CACHE_WARM.
	Caches []*CacheSlot
	// Native is the compiled code, if any. Once attached it is never
	// detached or freed.
	Native NativeCode

	lineStarts []bool
}

// NLocals returns the number of local variable slots.
func (c *FunctionUnit) NLocals() int { return len(c.LocalNames) }

// Line returns the source line of instruction idx.
func (c *FunctionUnit) Line(idx int) int {
	if idx < 0 || idx >= len(c.Lines) {
		return 0
	}
	return int(c.Lines[idx])
}

// StartsLine reports whether idx is the first instruction of a source line.
func (c *FunctionUnit) StartsLine(idx int) bool {
	if c.lineStarts == nil {
		c.lineStarts = make([]bool, len(c.Instrs))
		prev := int32(-1)
		for i, l := range c.Lines {
			if l != prev {
				c.lineStarts[i] = true
				prev = l
			}
		}
	}
	return idx >= 0 && idx < len(c.lineStarts) && c.lineStarts[idx]
}

// JumpTarget returns the branch target of instruction idx, or -1.
func (c *FunctionUnit) JumpTarget(idx int) int {
	in := c.Instrs[idx]
	switch in.Op.Info().Jump {
	case JumpAbsolute:
		return int(in.Arg)
	case JumpRelative:
		return idx + 1 + int(in.Arg)
	}
	return -1
}

// CacheAt returns the cache slot of instruction idx, or nil.
func (c *FunctionUnit) CacheAt(idx int) *CacheSlot {
	if c.Caches == nil || idx < 0 || idx >= len(c.Caches) {
		return nil
	}
	return c.Caches[idx]
}

func (c *FunctionUnit) String() string {
	return fmt.Sprintf("<code %s>", c.Name)
}

// StackDepths computes the operand stack depth on entry to every
// instruction. Unreachable instructions get -1. It fails when two paths
// reach an instruction with different depths or the stack underflows.
func (c *FunctionUnit) StackDepths() ([]int, error) {
	n := len(c.Instrs)
	depths := make([]int, n)
	for i := range depths {
		depths[i] = -1
	}
	if n == 0 {
		return depths, nil
	}

	work := []int{0}
	depths[0] = 0
	visit := func(from, to, d int) error {
		if to < 0 || to >= n {
			return fmt.Errorf("%s: instruction %d jumps out of range to %d", c.Name, from, to)
		}
		if d < 0 {
			return fmt.Errorf("%s: stack underflow at instruction %d", c.Name, from)
		}
		switch depths[to] {
		case -1:
			depths[to] = d
			work = append(work, to)
		case d:
		default:
			return fmt.Errorf("%s: inconsistent stack depth at instruction %d (%d vs %d)", c.Name, to, depths[to], d)
		}
		return nil
	}

	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := c.Instrs[i]
		if !in.Op.Valid() {
			return nil, fmt.Errorf("%s: invalid opcode %d at instruction %d", c.Name, in.Op, i)
		}
		d := depths[i]
		info := in.Op.Info()
		if info.Jump != NoJump {
			if err := visit(i, c.JumpTarget(i), d+StackEffect(in.Op, in.Arg, true)); err != nil {
				return nil, err
			}
		}
		if !info.Terminal {
			if i+1 >= n {
				return nil, fmt.Errorf("%s: control falls off the end at instruction %d", c.Name, i)
			}
			if err := visit(i, i+1, d+StackEffect(in.Op, in.Arg, false)); err != nil {
				return nil, err
			}
		}
	}
	return depths, nil
}
