package jit

// ---------------------------------------------------------------------------
// Method calls
//
// LOAD_METHOD leaves two stack entries: the method and its receiver, or
// nothing and the plain attribute. A cache hit that resolved to a method
// records the callable as a hint for the CALL_METHOD that consumes the
// entries, which then calls it directly when the stack still holds it.
// ---------------------------------------------------------------------------

func (g *gen) loadMethod(i int) {
	a := g.asm
	g.d.PopTo(ARG1)
	g.d.SpillRegisterEntries()
	g.d.Evict(VSPRES)

	g.attrSite(i, true)

	a.EmitMove(VSPRES, RES)
	g.d.Push(RegLoc(VSPRES))
	a.EmitMove(RES, ARG1)
	g.d.Push(RegLoc(RES))

	g.hints.push(hintFor(g.code.CacheAt(i)))
}

func (g *gen) callMethod(i int) {
	hint, ok := g.hints.pop()
	g.d.Flush()
	if !ok || !g.callHints {
		g.generic(i, HelperExec)
		return
	}
	g.asm.EmitLoadObject(ARG1, hint.Callable)
	g.stats.hinted++
	g.generic(i, HelperCallHinted)
}
