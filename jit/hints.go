package jit

import "github.com/chazu/tiervm/vm"

// CallHint is what a compiled LOAD_METHOD learned from its cache: the
// receiver's exact type id, the callable the cache resolves to, and whether
// the call site sees the unbound-callable-plus-receiver shape.
type CallHint struct {
	TypeID   uint32
	Callable vm.Object
	Unbound  bool
}

// hintStack pairs LOAD_METHOD sites with the CALL_METHOD that consumes
// their result. Calls nest, so the pairing is last in, first out. Records
// live in one vector indexed by position and disappear with the
// compilation.
type hintStack struct {
	hints []CallHint
	open  []int // indexes into hints; -1 for a site without a hint
}

func (h *hintStack) push(hint *CallHint) {
	if hint == nil {
		h.open = append(h.open, -1)
		return
	}
	h.hints = append(h.hints, *hint)
	h.open = append(h.open, len(h.hints)-1)
}

// pop returns the hint of the innermost unconsumed LOAD_METHOD.
func (h *hintStack) pop() (CallHint, bool) {
	n := len(h.open)
	if n == 0 {
		return CallHint{}, false
	}
	i := h.open[n-1]
	h.open = h.open[:n-1]
	if i < 0 {
		return CallHint{}, false
	}
	return h.hints[i], true
}

// hintFor derives a call hint from a LOAD_METHOD cache slot.
func hintFor(slot *vm.CacheSlot) *CallHint {
	if slot == nil || !slot.Filled() {
		return nil
	}
	switch e := slot.Attr.(type) {
	case *vm.AttrValueDict:
		return methodHint(&e.AttrHeader, e.Value)
	case *vm.AttrValueSplit:
		return methodHint(&e.AttrHeader, e.Value)
	case *vm.AttrBuiltin:
		return methodHint(&e.AttrHeader, e.Value)
	}
	return nil
}

func methodHint(h *vm.AttrHeader, v vm.Object) *CallHint {
	if !h.Bind {
		return nil
	}
	return &CallHint{TypeID: h.TypeID, Callable: v, Unbound: true}
}
