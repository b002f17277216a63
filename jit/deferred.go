package jit

import (
	"fmt"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Deferred operand stack
//
// The code generator does not write every pushed value to Frame.Stack.
// Instead it records where the value can be found and only stores it when
// the stack must be observable: before a generic helper call, a branch, a
// join point or an exit. Positions below base are in memory; entries model
// the positions base, base+1, ... above it.
// ---------------------------------------------------------------------------

// LocKind tags where a deferred value lives.
type LocKind uint8

const (
	LocConst LocKind = iota // an object constant
	LocLocal                // a local variable slot, known to be bound
	LocReg                  // an object register (RES or VSPRES)
	LocSpill                // a spill slot
	LocStack                // already in Frame.Stack (only returned by Pop)
)

func (k LocKind) String() string {
	return [...]string{"const", "local", "reg", "spill", "stack"}[k]
}

// Loc is one deferred stack entry.
type Loc struct {
	Kind  LocKind
	Index int       // local, register, spill slot or stack position
	Obj   vm.Object // LocConst
}

func (l Loc) String() string {
	if l.Kind == LocConst {
		return fmt.Sprintf("const(%s)", vm.Repr(l.Obj))
	}
	if l.Kind == LocReg {
		return Reg(l.Index).String()
	}
	return fmt.Sprintf("%s(%d)", l.Kind, l.Index)
}

func (l Loc) same(o Loc) bool {
	if l.Kind != o.Kind {
		return false
	}
	if l.Kind == LocConst {
		return l.Obj == o.Obj
	}
	return l.Index == o.Index
}

// ConstLoc, LocalLoc, RegLoc and SpillLoc build entries.
func ConstLoc(o vm.Object) Loc { return Loc{Kind: LocConst, Obj: o} }
func LocalLoc(i int) Loc       { return Loc{Kind: LocLocal, Index: i} }
func RegLoc(r Reg) Loc         { return Loc{Kind: LocReg, Index: int(r)} }
func SpillLoc(s int) Loc       { return Loc{Kind: LocSpill, Index: s} }

// MaxDeferred bounds the number of unmaterialized entries.
const MaxDeferred = 16

// Deferred is the deferred operand-stack model of one compilation.
type Deferred struct {
	em      Emitter
	base    int
	entries []Loc

	spills    int
	maxSpills int

	err error
}

// NewDeferred returns an empty model emitting through em.
func NewDeferred(em Emitter) *Deferred {
	return &Deferred{em: em, entries: make([]Loc, 0, MaxDeferred)}
}

// Reset forgets all entries and declares depth materialized. It is only
// valid when the code reaching this point left the stack materialized.
func (d *Deferred) Reset(depth int) {
	d.base = depth
	d.entries = d.entries[:0]
	d.spills = 0
}

// Depth is the logical stack depth.
func (d *Deferred) Depth() int { return d.base + len(d.entries) }

// Base is the materialized depth.
func (d *Deferred) Base() int { return d.base }

// Len is the number of unmaterialized entries.
func (d *Deferred) Len() int { return len(d.entries) }

// Entries returns a copy of the unmaterialized entries, bottom first.
func (d *Deferred) Entries() []Loc {
	return append([]Loc(nil), d.entries...)
}

func (d *Deferred) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Err reports the first inconsistency found in the model's use.
func (d *Deferred) Err() error { return d.err }

// MaxSpills is the number of spill slots the compiled code needs.
func (d *Deferred) MaxSpills() int { return d.maxSpills }

func (d *Deferred) newSpill() int {
	s := d.spills
	d.spills++
	if d.spills > d.maxSpills {
		d.maxSpills = d.spills
	}
	return s
}

// Push adds l on top. A LocStack entry is turned into a spill slot unless
// it goes straight back to the memory position it came from.
func (d *Deferred) Push(l Loc) {
	if l.Kind == LocStack {
		if len(d.entries) == 0 && l.Index == d.base {
			d.base++
			return
		}
		s := d.newSpill()
		d.em.EmitLoadStack(TMP, l.Index)
		d.em.EmitSpill(TMP, s)
		l = SpillLoc(s)
	}
	if l.Kind == LocReg && d.holds(Reg(l.Index)) {
		d.fail(fmt.Errorf("register %s pushed while already deferred", Reg(l.Index)))
	}
	if len(d.entries) == MaxDeferred {
		d.Flush()
	}
	d.entries = append(d.entries, l)
}

// Pop removes the top entry. When nothing is deferred the value is in
// memory and the result is a LocStack entry; its position becomes free,
// so the caller must load it before anything is stored.
func (d *Deferred) Pop() Loc {
	if n := len(d.entries); n > 0 {
		l := d.entries[n-1]
		d.entries = d.entries[:n-1]
		return l
	}
	d.base--
	return Loc{Kind: LocStack, Index: d.base}
}

// PopTo pops the top entry into r.
func (d *Deferred) PopTo(r Reg) {
	d.Load(d.Pop(), r)
}

// Peek returns the entry n positions below the top (Peek(1) is the top).
func (d *Deferred) Peek(n int) Loc {
	if n <= len(d.entries) {
		return d.entries[len(d.entries)-n]
	}
	return Loc{Kind: LocStack, Index: d.Depth() - n}
}

// Dup pushes a copy of the top entry. Register entries are moved to a
// spill slot first, so no register is referenced twice.
func (d *Deferred) Dup() {
	top := d.Peek(1)
	switch top.Kind {
	case LocReg:
		s := d.newSpill()
		d.em.EmitSpill(Reg(top.Index), s)
		d.entries[len(d.entries)-1] = SpillLoc(s)
		top = SpillLoc(s)
	case LocStack:
		s := d.newSpill()
		d.em.EmitLoadStack(TMP, top.Index)
		d.em.EmitSpill(TMP, s)
		top = SpillLoc(s)
	}
	d.Push(top)
}

// Load emits code placing the value of l in r.
func (d *Deferred) Load(l Loc, r Reg) {
	switch l.Kind {
	case LocConst:
		d.em.EmitLoadObject(r, l.Obj)
	case LocLocal:
		d.em.EmitLoadLocal(r, l.Index)
	case LocReg:
		d.em.EmitMove(r, Reg(l.Index))
	case LocSpill:
		d.em.EmitUnspill(r, l.Index)
	case LocStack:
		d.em.EmitLoadStack(r, l.Index)
	}
}

// Evict moves the entry held in r, if any, out of the way. Entries leave
// RES for VSPRES when it is free, and a spill slot otherwise.
func (d *Deferred) Evict(r Reg) {
	for i, l := range d.entries {
		if l.Kind != LocReg || Reg(l.Index) != r {
			continue
		}
		if r != VSPRES && !d.holds(VSPRES) {
			d.em.EmitMove(VSPRES, r)
			d.entries[i] = RegLoc(VSPRES)
			return
		}
		s := d.newSpill()
		d.em.EmitSpill(r, s)
		d.entries[i] = SpillLoc(s)
		return
	}
}

func (d *Deferred) holds(r Reg) bool {
	for _, l := range d.entries {
		if l.Kind == LocReg && Reg(l.Index) == r {
			return true
		}
	}
	return false
}

// SpillRegisterEntries moves every entry held in a register a helper may
// clobber. It must run before any CALL while entries are deferred.
func (d *Deferred) SpillRegisterEntries() {
	for i := range d.entries {
		if l := d.entries[i]; l.Kind == LocReg && Reg(l.Index).volatile() {
			d.Evict(Reg(l.Index))
		}
	}
}

// ApplyIfSameVar retargets entries reading local before the local is
// overwritten or unbound. The local is read once.
func (d *Deferred) ApplyIfSameVar(local int) {
	slot := -1
	for i, l := range d.entries {
		if l.Kind != LocLocal || l.Index != local {
			continue
		}
		if slot < 0 {
			slot = d.newSpill()
			d.em.EmitLoadLocal(TMP, local)
			d.em.EmitSpill(TMP, slot)
		}
		d.entries[i] = SpillLoc(slot)
	}
}

// store writes the entries to their stack positions. All entries naming
// the same constant, local or spill slot share one load, wherever they sit.
func (d *Deferred) store() {
	var done [MaxDeferred]bool
	for i, l := range d.entries {
		if done[i] {
			continue
		}
		if l.Kind == LocReg {
			d.em.EmitStoreStack(Reg(l.Index), d.base+i)
			continue
		}
		d.Load(l, TMP)
		for j := i; j < len(d.entries); j++ {
			if !done[j] && d.entries[j].Kind != LocReg && d.entries[j].same(l) {
				d.em.EmitStoreStack(TMP, d.base+j)
				done[j] = true
			}
		}
	}
}

// Flush materializes every entry in order and clears the model.
func (d *Deferred) Flush() {
	if len(d.entries) == 0 {
		return
	}
	d.store()
	d.base += len(d.entries)
	d.entries = d.entries[:0]
}

// Materialize stores the entries without changing the model, for code
// paths that leave the hot path.
func (d *Deferred) Materialize() {
	d.store()
}

// Reload reloads register entries from their materialized positions.
func (d *Deferred) Reload() {
	for i, l := range d.entries {
		if l.Kind == LocReg {
			d.em.EmitLoadStack(Reg(l.Index), d.base+i)
		}
	}
}
