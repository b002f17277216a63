package jit

import "github.com/chazu/tiervm/vm"

// ---------------------------------------------------------------------------
// Inline cache emission
//
// A filled cache slot is turned into guard sequences in the hot path. A
// failed guard branches to a cold block that calls the instruction's value
// helper, which runs the slot's own lookup, miss accounting and refill.
// The compiled guards keep the values they were built with. Each inlined
// site bumps a hit counter on the hot path and a miss counter in its cold
// block; the counters are folded into the slot and the compiler stats
// whenever the unit calls a helper or exits.
// ---------------------------------------------------------------------------

func (g *gen) loadGlobal(i int) {
	a := g.asm
	g.d.Evict(RES)
	g.d.SpillRegisterEntries()
	g.stats.sites[vm.CacheLoadGlobal]++

	slot := g.code.CacheAt(i)
	if !g.inlineCaches || slot == nil || !slot.Filled() || slot.Global == nil {
		g.valueCall(HelperLoadGlobal)
		g.d.Push(RegLoc(RES))
		return
	}

	miss := a.NewLabel()
	switch e := slot.Global.(type) {
	case *vm.GlobalValue:
		a.EmitGuard(GuardGlobalsVersion, X1, RES, e.GlobalsVersion, miss)
		a.EmitLoadObject(RES, e.Value)
	case *vm.GlobalBuiltin:
		a.EmitGuard(GuardGlobalsVersion, X1, RES, e.GlobalsVersion, miss)
		a.EmitGuard(GuardBuiltinsVersion, X1, RES, e.BuiltinsVersion, miss)
		a.EmitLoadObject(RES, e.Value)
	case *vm.GlobalOffset:
		a.EmitGuard(GuardGlobalsShape, X1, RES, e.Shape, miss)
		a.EmitWide(OpLDGENT, uint8(RES), 0, 0, int64(e.Offset), uint64(g.code.Instrs[i].Arg))
		a.EmitOp(OpTSTR, uint8(RES), 0, 0, 0)
		a.EmitBranch(OpJE, miss)
	default:
		g.valueCall(HelperLoadGlobal)
		g.d.Push(RegLoc(RES))
		return
	}
	g.inlinedSite(i, vm.CacheLoadGlobal, miss, HelperLoadGlobal)
	g.d.Push(RegLoc(RES))
}

// inlinedSite closes the hot path of an inlined cache at instruction i by
// counting a hit, then emits the cold miss block.
func (g *gen) inlinedSite(i int, k vm.CacheKind, miss Label, h HelperID) {
	n := int64(len(g.sites))
	g.sites = append(g.sites, CacheSite{Instr: i, Kind: k})
	g.asm.EmitOp(OpCOUNT, 0, 0, 0, 2*n)
	g.stats.inlined++
	g.stats.inlinedSites[k]++
	g.coldMiss(miss, h, 2*n+1)
}

// coldMiss emits the cold block bound to miss and binds the join point
// after it in the hot path.
func (g *gen) coldMiss(miss Label, h HelperID, counter int64) {
	a := g.asm
	join := a.NewLabel()
	prev := a.SetSection(SecCold)
	a.Bind(miss)
	a.EmitOp(OpCOUNT, 0, 0, 0, counter)
	g.valueCall(h)
	a.EmitBranch(OpJMP, join)
	a.SetSection(prev)
	a.Bind(join)
}

func (g *gen) loadAttr(i int) {
	g.d.PopTo(ARG1)
	g.d.Evict(RES)
	g.d.SpillRegisterEntries()
	g.attrSite(i, false)
	g.d.Push(RegLoc(RES))
}

// inlinable reports whether e can be compiled to a guard sequence. Loads
// that would bind a method or call a descriptor stay in the helper.
func inlinable(e vm.AttrEntry, method bool) bool {
	switch e.(type) {
	case *vm.AttrValueDict, *vm.AttrValueSplit, *vm.AttrBuiltin:
		return method || !e.Header().Bind
	case *vm.AttrSplitIndex, *vm.AttrOffset, *vm.AttrSlot:
		return true
	}
	return false
}

// attrSite emits the cached lookup of a LOAD_ATTR (method false) or
// LOAD_METHOD with the receiver in ARG1. The result is in RES, and for
// LOAD_METHOD the second stack entry is in ARG1.
func (g *gen) attrSite(i int, method bool) {
	a := g.asm
	h, kind := HelperLoadAttr, vm.CacheLoadAttr
	if method {
		h, kind = HelperLoadMethod, vm.CacheLoadMethod
	}
	g.stats.sites[kind]++

	var cands []vm.AttrEntry
	if slot := g.code.CacheAt(i); g.inlineCaches && slot != nil && slot.Filled() {
		entries := []vm.AttrEntry{slot.Attr}
		if p, ok := slot.Attr.(*vm.AttrPoly); ok {
			entries = p.Entries
		}
		for _, e := range entries {
			if inlinable(e, method) {
				cands = append(cands, e)
			}
		}
	}
	if len(cands) == 0 {
		g.valueCall(h)
		return
	}

	name := int(g.code.Instrs[i].Arg)
	miss := a.NewLabel()
	var hit Label
	if len(cands) > 1 {
		hit = a.NewLabel()
	}
	for k, e := range cands {
		next := miss
		last := k == len(cands)-1
		if !last {
			next = a.NewLabel()
		}
		g.attrEntry(e, method, name, next)
		if !last {
			a.EmitBranch(OpJMP, hit)
			a.Bind(next)
		}
	}
	if hit != NoLabel {
		a.Bind(hit)
	}
	g.inlinedSite(i, kind, miss, h)
}

// attrEntry emits the guards and the read of one monomorphic entry.
func (g *gen) attrEntry(e vm.AttrEntry, method bool, name int, miss Label) {
	a := g.asm
	hdr := e.Header()
	var val vm.Object
	loaded := false

	switch e := e.(type) {
	case *vm.AttrValueDict:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(hdr.TypeVersion), miss)
		a.EmitGuard(GuardDictVersion, X1, ARG1, e.DictVersion, miss)
		val = e.Value
	case *vm.AttrValueSplit:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(hdr.TypeVersion), miss)
		a.EmitGuard(GuardKeysVersion, X1, ARG1, e.KeysVersion, miss)
		val = e.Value
	case *vm.AttrBuiltin:
		a.EmitGuard(GuardTypeID, X1, ARG1, uint64(hdr.TypeID), miss)
		val = e.Value
	case *vm.AttrSplitIndex:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(hdr.TypeVersion), miss)
		a.EmitGuard(GuardKeysID, X1, ARG1, e.KeysID, miss)
		a.EmitOp(OpLDSPLIT, uint8(RES), uint8(ARG1), 0, int64(e.Index))
		loaded = true
	case *vm.AttrOffset:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(hdr.TypeVersion), miss)
		a.EmitGuard(GuardDictShape, X1, ARG1, e.Shape, miss)
		a.EmitWide(OpLDDENT, uint8(RES), uint8(ARG1), 0, int64(e.Offset), uint64(name))
		loaded = true
	case *vm.AttrSlot:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(hdr.TypeVersion), miss)
		a.EmitOp(OpLDSLOT, uint8(RES), uint8(ARG1), 0, int64(e.Index))
		loaded = true
	}

	if loaded {
		a.EmitOp(OpTSTR, uint8(RES), 0, 0, 0)
		a.EmitBranch(OpJE, miss)
		if method {
			a.EmitMove(ARG1, RES)
			a.EmitLoadObject(RES, nil)
		}
		return
	}
	switch {
	case !method:
		a.EmitLoadObject(RES, val)
	case hdr.Bind:
		// Unbound method with the receiver left in ARG1.
		a.EmitLoadObject(RES, val)
	default:
		a.EmitLoadObject(ARG1, val)
		a.EmitLoadObject(RES, nil)
	}
}

// storeAttr compiles STORE_ATTR: the owner is on top, the value below it.
func (g *gen) storeAttr(i int) {
	a := g.asm
	g.d.PopTo(ARG1)
	g.d.PopTo(ARG2)
	g.d.SpillRegisterEntries()
	g.stats.sites[vm.CacheStoreAttr]++

	slot := g.code.CacheAt(i)
	if !g.inlineCaches || slot == nil || !slot.Filled() || slot.Store == nil {
		g.valueCall(HelperStoreAttr)
		return
	}

	miss := a.NewLabel()
	switch e := slot.Store.(type) {
	case *vm.StoreSplitIndex:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(e.TypeVersion), miss)
		a.EmitGuard(GuardKeysID, X1, ARG1, e.KeysID, miss)
		var init uint8
		if e.Init {
			init = 1
		} else {
			a.EmitGuard(GuardHasValues, X1, ARG1, 1, miss)
		}
		a.EmitOp(OpSTSPLIT, uint8(ARG1), uint8(ARG2), init, int64(e.Index))
	case *vm.StoreSlot:
		a.EmitGuard(GuardTypeVersion, X1, ARG1, uint64(e.TypeVersion), miss)
		a.EmitOp(OpSTSLOT, uint8(ARG1), uint8(ARG2), 0, int64(e.Index))
	default:
		g.valueCall(HelperStoreAttr)
		return
	}
	g.inlinedSite(i, vm.CacheStoreAttr, miss, HelperStoreAttr)
}
