package vm

// ---------------------------------------------------------------------------
// Cache entry store
//
// Each cache kind is a closed set of variants. A variant's match performs
// exactly the guard its kind implies and, on success, a single read. Matches
// have no side effects; a failed guard is a plain miss.
// ---------------------------------------------------------------------------

// MaxPolyEntries is the number of monomorphic entries a polymorphic
// attribute cache can hold.
const MaxPolyEntries = 5

// MaxCacheIndex bounds the split-layout index an entry can record.
const MaxCacheIndex = 255

// MaxCacheOffset bounds the dictionary offset an entry can record.
const MaxCacheOffset = 1<<12 - 1

// OffsetEscalation is the number of same-shape refills of a version-guarded
// value entry after which the offset-guarded variant is used instead.
const OffsetEscalation = 2

// AttrHeader is common to all monomorphic attribute entries.
type AttrHeader struct {
	// TypeID is the receiver's shape hash.
	TypeID uint32
	// TypeVersion guards the receiver type's attributes. Zero for builtin
	// receivers, whose types cannot change.
	TypeVersion uint32
	// Bind marks a method descriptor found on the type: attribute loads
	// bind it, method loads return it unbound with the receiver.
	Bind bool
	// Failed counts consecutive misses by receivers of this shape while
	// the entry sits in a polymorphic cache. Refills keep it.
	Failed uint8
}

// AttrEntry is an attribute-load (and method-load) cache variant.
type AttrEntry interface {
	Header() *AttrHeader
	match(o Object, name string) (Object, bool)
}

func (h *AttrHeader) Header() *AttrHeader { return h }

func (h *AttrHeader) typeGuard(o Object) bool {
	return TypeVersionOf(o) == h.TypeVersion
}

// AttrValueDict caches a value directly, guarded by the version of the
// receiver's combined dictionary. DictVersion 0 stands for receivers
// without attribute storage.
type AttrValueDict struct {
	AttrHeader
	DictVersion uint64
	Value       Object
	Refills     uint8
}

func (e *AttrValueDict) match(o Object, _ string) (Object, bool) {
	if !e.typeGuard(o) || InstanceDictVersion(o) != e.DictVersion {
		return nil, false
	}
	return e.Value, true
}

// AttrSplitIndex reads a split-layout value by index, guarded by the
// identity of the shared key table.
type AttrSplitIndex struct {
	AttrHeader
	KeysID uint64
	Index  int
}

func (e *AttrSplitIndex) match(o Object, _ string) (Object, bool) {
	if !e.typeGuard(o) || SplitKeysID(o) != e.KeysID {
		return nil, false
	}
	v := InstanceSplitValue(o, e.Index)
	return v, v != nil
}

// AttrDataDescr forwards to a data descriptor found on the type.
type AttrDataDescr struct {
	AttrHeader
	Descr Object
}

func (e *AttrDataDescr) match(o Object, _ string) (Object, bool) {
	if !e.typeGuard(o) {
		return nil, false
	}
	return e.Descr, true
}

// AttrValueSplit caches a type attribute for split-layout receivers,
// guarded by the key table version, which proves the instance cannot
// shadow the name.
type AttrValueSplit struct {
	AttrHeader
	KeysVersion uint64
	Value       Object
}

func (e *AttrValueSplit) match(o Object, _ string) (Object, bool) {
	if !e.typeGuard(o) || SplitKeysVersion(o) != e.KeysVersion {
		return nil, false
	}
	return e.Value, true
}

// AttrOffset reads a combined-dictionary entry by offset, guarded by the
// dictionary's entry-table tag and the key at that offset.
type AttrOffset struct {
	AttrHeader
	Shape  uint64
	Offset int
}

func (e *AttrOffset) match(o Object, name string) (Object, bool) {
	if !e.typeGuard(o) || InstanceDictShape(o) != e.Shape {
		return nil, false
	}
	v := InstanceDictEntry(o, e.Offset, name)
	return v, v != nil
}

// AttrSlot reads a fixed slot of a slot-only type.
type AttrSlot struct {
	AttrHeader
	Index int
}

func (e *AttrSlot) match(o Object, _ string) (Object, bool) {
	if !e.typeGuard(o) {
		return nil, false
	}
	v := InstanceSlot(o, e.Index)
	return v, v != nil
}

// AttrBuiltin caches an attribute of an immutable builtin type, guarded by
// exact type identity.
type AttrBuiltin struct {
	AttrHeader
	Value Object
}

func (e *AttrBuiltin) match(o Object, _ string) (Object, bool) {
	if TypeIDOf(o) != e.TypeID {
		return nil, false
	}
	return e.Value, true
}

// AttrPoly holds up to MaxPolyEntries monomorphic entries tried in order.
type AttrPoly struct {
	Entries []AttrEntry
}

// Header is nil for the polymorphic variant.
func (*AttrPoly) Header() *AttrHeader { return nil }

func (p *AttrPoly) match(o Object, name string) (Object, bool) {
	_, v, ok := p.matchEntry(o, name)
	return v, ok
}

func (p *AttrPoly) matchEntry(o Object, name string) (AttrEntry, Object, bool) {
	for _, e := range p.Entries {
		if v, ok := e.match(o, name); ok {
			return e, v, true
		}
	}
	return nil, nil, false
}

// ---------------------------------------------------------------------------
// Attribute stores
// ---------------------------------------------------------------------------

// StoreEntry is an attribute-store cache variant.
type StoreEntry interface {
	store(o Object, v Object) bool
}

// StoreSplitIndex writes a split-layout value by index. With Init set the
// entry also accepts receivers whose value array has not been allocated
// yet, and allocates it.
type StoreSplitIndex struct {
	TypeVersion uint32
	KeysID      uint64
	Index       int
	Init        bool
}

func (e *StoreSplitIndex) store(o Object, v Object) bool {
	if TypeVersionOf(o) != e.TypeVersion || SplitKeysID(o) != e.KeysID {
		return false
	}
	inst := o.(*Instance)
	if !inst.HasValues() && !e.Init {
		return false
	}
	inst.storeSplit(e.Index, v)
	return true
}

// StoreSlot writes a fixed slot of a slot-only type.
type StoreSlot struct {
	TypeVersion uint32
	Index       int
}

func (e *StoreSlot) store(o Object, v Object) bool {
	if TypeVersionOf(o) != e.TypeVersion {
		return false
	}
	o.(*Instance).slots[e.Index] = v
	return true
}

// ---------------------------------------------------------------------------
// Global loads
// ---------------------------------------------------------------------------

// GlobalEntry is a global-load cache variant.
type GlobalEntry interface {
	match(globals, builtins *Dict, name string) (Object, bool)
}

// GlobalValue caches a value found in the globals namespace, guarded by its
// version.
type GlobalValue struct {
	GlobalsVersion uint64
	Value          Object
	Refills        uint8
}

func (e *GlobalValue) match(globals, _ *Dict, _ string) (Object, bool) {
	if globals.version != e.GlobalsVersion {
		return nil, false
	}
	return e.Value, true
}

// GlobalBuiltin caches a value found in the builtins namespace. Both
// namespaces must be unchanged, since a new global could shadow it.
type GlobalBuiltin struct {
	GlobalsVersion  uint64
	BuiltinsVersion uint64
	Value           Object
}

func (e *GlobalBuiltin) match(globals, builtins *Dict, _ string) (Object, bool) {
	if globals.version != e.GlobalsVersion || builtins.version != e.BuiltinsVersion {
		return nil, false
	}
	return e.Value, true
}

// GlobalOffset reads a globals entry by offset, for names whose binding is
// rewritten often enough that version guards keep failing.
type GlobalOffset struct {
	Shape  uint64
	Offset int
}

func (e *GlobalOffset) match(globals, _ *Dict, name string) (Object, bool) {
	if globals.shape != e.Shape {
		return nil, false
	}
	v := DictEntryValue(globals, e.Offset, name)
	return v, v != nil
}
