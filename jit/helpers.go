package jit

import (
	"fmt"

	"github.com/chazu/tiervm/vm"
)

// HelperID indexes the helper table. A CALL instruction carries it as its
// immediate.
type HelperID uint8

const (
	// HelperInterrupt services the interrupt word for the checkpoint at
	// Frame.Lasti and may ask for a deopt.
	HelperInterrupt HelperID = iota
	// HelperExec runs the generic implementation of instruction Lasti on
	// the materialized frame.
	HelperExec
	// HelperLoadGlobal: RES = global.
	HelperLoadGlobal
	// HelperLoadAttr: RES = ARG1.name.
	HelperLoadAttr
	// HelperLoadMethod: RES, ARG1 = the two stack entries of LOAD_METHOD
	// for receiver ARG1.
	HelperLoadMethod
	// HelperStoreAttr: ARG1.name = ARG2.
	HelperStoreAttr
	// HelperBinary: RES = ARG1 op ARG2.
	HelperBinary
	// HelperCompare: RES = ARG1 cmp ARG2.
	HelperCompare
	// HelperTruth: X1 = truth of ARG1.
	HelperTruth
	// HelperUnbound raises UnboundLocalError for the local of Lasti.
	HelperUnbound
	// HelperCallHinted performs CALL_METHOD when the method slot holds the
	// callable in ARG1, and falls back to the generic call otherwise.
	HelperCallHinted

	numHelpers
)

var helperNames = [numHelpers]string{
	"interrupt", "exec", "load_global", "load_attr", "load_method",
	"store_attr", "binary", "compare", "truth", "unbound", "call_hinted",
}

func (h HelperID) String() string {
	if h < numHelpers {
		return helperNames[h]
	}
	return fmt.Sprintf("helper_%d", h)
}

type helperFunc func(m *machine) vm.Signal

var helpers [numHelpers]helperFunc

func init() {
	helpers = [numHelpers]helperFunc{
		HelperInterrupt:  helperInterrupt,
		HelperExec:       helperExec,
		HelperLoadGlobal: helperLoadGlobal,
		HelperLoadAttr:   helperLoadAttr,
		HelperLoadMethod: helperLoadMethod,
		HelperStoreAttr:  helperStoreAttr,
		HelperBinary:     helperBinary,
		HelperCompare:    helperCompare,
		HelperTruth:      helperTruth,
		HelperUnbound:    helperUnbound,
		HelperCallHinted: helperCallHinted,
	}
}

func (m *machine) raise(err error) vm.Signal {
	m.ts.Exc = vm.AsException(err)
	return vm.SigError
}

func (m *machine) instr() vm.Instr {
	return m.f.Code.Instrs[m.f.Lasti]
}

func helperInterrupt(m *machine) vm.Signal {
	return m.rt.HandleInterrupts(m.ts, m.f, m.f.Lasti, true)
}

func helperExec(m *machine) vm.Signal {
	return m.rt.Exec(m.ts, m.f, m.f.Lasti)
}

func helperLoadGlobal(m *machine) vm.Signal {
	v, err := m.rt.LoadGlobalAt(m.ts, m.f, m.f.Lasti)
	if err != nil {
		return m.raise(err)
	}
	m.r[RES] = v
	return vm.SigContinue
}

func helperLoadAttr(m *machine) vm.Signal {
	v, err := m.rt.LoadAttrAt(m.ts, m.f, m.f.Lasti, m.r[ARG1])
	if err != nil {
		return m.raise(err)
	}
	m.r[RES] = v
	return vm.SigContinue
}

func helperLoadMethod(m *machine) vm.Signal {
	meth, self, err := m.rt.LoadMethodAt(m.ts, m.f, m.f.Lasti, m.r[ARG1])
	if err != nil {
		return m.raise(err)
	}
	if self != nil {
		m.r[RES], m.r[ARG1] = meth, self
	} else {
		m.r[RES], m.r[ARG1] = nil, meth
	}
	return vm.SigContinue
}

func helperStoreAttr(m *machine) vm.Signal {
	if err := m.rt.StoreAttrAt(m.ts, m.f, m.f.Lasti, m.r[ARG1], m.r[ARG2]); err != nil {
		return m.raise(err)
	}
	return vm.SigContinue
}

func helperBinary(m *machine) vm.Signal {
	v, err := vm.BinaryOp(m.instr().Op, m.r[ARG1], m.r[ARG2])
	if err != nil {
		return m.raise(err)
	}
	m.r[RES] = v
	return vm.SigContinue
}

func helperCompare(m *machine) vm.Signal {
	v, err := vm.Compare(vm.CompareKind(m.instr().Arg), m.r[ARG1], m.r[ARG2])
	if err != nil {
		return m.raise(err)
	}
	m.r[RES] = v
	return vm.SigContinue
}

func helperTruth(m *machine) vm.Signal {
	m.x[X1] = 0
	if vm.IsTrue(m.r[ARG1]) {
		m.x[X1] = 1
	}
	return vm.SigContinue
}

func helperUnbound(m *machine) vm.Signal {
	in := m.instr()
	name := m.f.Code.LocalNames[in.Arg]
	return m.raise(vm.Errorf(vm.UnboundLocalErrorType, "local variable '%s' referenced before assignment", name))
}

func helperCallHinted(m *machine) vm.Signal {
	f := m.f
	n := int(m.instr().Arg)
	base := f.SP - n - 2
	if base < 0 || f.Stack[base] != m.r[ARG1] {
		return helperExec(m)
	}
	args := append([]vm.Object(nil), f.Stack[base+1:f.SP]...)
	res, err := m.rt.Call(m.ts, m.r[ARG1], args)
	for f.SP > base {
		f.Pop()
	}
	if err != nil {
		return m.raise(err)
	}
	f.Push(res)
	return vm.SigContinue
}
