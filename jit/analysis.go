package jit

import (
	"fmt"

	"github.com/chazu/tiervm/vm"
)

// unitInfo is the result of the pre-passes over a unit.
type unitInfo struct {
	depths []int
	// targets marks instructions control can reach other than by falling
	// through: branch targets, handler entries, generator resume points
	// and the unit entry. The compiled code starts each with an empty
	// deferred stack.
	targets []bool
	// argsDefined marks arguments that no DELETE_FAST ever unbinds, so a
	// load of them can never fail.
	argsDefined []bool
	reachable   int
}

func analyze(code *vm.FunctionUnit) (*unitInfo, error) {
	depths, err := code.StackDepths()
	if err != nil {
		return nil, fmt.Errorf("stack analysis: %w", err)
	}
	n := len(code.Instrs)
	info := &unitInfo{
		depths:      depths,
		targets:     make([]bool, n),
		argsDefined: make([]bool, code.NLocals()),
	}
	if n > 0 {
		info.targets[0] = true
	}
	for i := 0; i < code.ArgCount && i < len(info.argsDefined); i++ {
		info.argsDefined[i] = true
	}

	for i, in := range code.Instrs {
		if depths[i] < 0 {
			continue
		}
		info.reachable++
		if !in.Op.Valid() {
			return nil, fmt.Errorf("instruction %d: opcode %d: %w", i, in.Op, vm.ErrUnsupportedOpcode)
		}
		if t := code.JumpTarget(i); t >= 0 {
			info.targets[t] = true
		}
		switch in.Op {
		case vm.OpYieldValue:
			if i+1 < n {
				info.targets[i+1] = true
			}
		case vm.OpDeleteFast:
			if int(in.Arg) < len(info.argsDefined) {
				info.argsDefined[in.Arg] = false
			}
		}
	}
	return info, nil
}

// skippable reports whether instruction idx can go without an interrupt
// check: it cannot call back into arbitrary code and cannot raise.
func skippable(in vm.Instr, defined []bool) bool {
	switch in.Op {
	case vm.OpNOP, vm.OpPopTop, vm.OpRotTwo, vm.OpRotThree, vm.OpDupTop, vm.OpLoadConst:
		return true
	case vm.OpLoadFast:
		return int(in.Arg) < len(defined) && defined[in.Arg]
	}
	return false
}
