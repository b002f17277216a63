package vm

import "math"

// Guard field accessors. Cache entries check their guards through these
// functions, and compiled code loads the same fields through them, so both
// tiers evaluate identical guard semantics.

// NoDictVersion is what InstanceDictVersion reports for objects whose
// attributes are not kept in a combined dictionary.
const NoDictVersion = math.MaxUint64

// TypeIDOf returns the shape hash of o's exact type.
func TypeIDOf(o Object) uint32 {
	return o.Type().id
}

// TypeVersionOf returns the type version of an instance, or 0 for other
// objects. Cache entries never record version 0, so the guard fails.
func TypeVersionOf(o Object) uint32 {
	if inst, ok := o.(*Instance); ok {
		return inst.typ.version
	}
	return 0
}

// SplitKeysID returns the identity of an instance's split key table, or 0.
func SplitKeysID(o Object) uint64 {
	if inst, ok := o.(*Instance); ok && inst.keys != nil {
		return inst.keys.id
	}
	return 0
}

// SplitKeysVersion returns the version of an instance's split key table,
// or 0.
func SplitKeysVersion(o Object) uint64 {
	if inst, ok := o.(*Instance); ok && inst.keys != nil {
		return inst.keys.version
	}
	return 0
}

// InstanceDictVersion returns the version of an instance's combined
// dictionary, 0 for instances without any attribute storage (slot-only
// types), and NoDictVersion for everything else.
func InstanceDictVersion(o Object) uint64 {
	inst, ok := o.(*Instance)
	if !ok {
		return NoDictVersion
	}
	switch {
	case inst.dict != nil:
		return inst.dict.version
	case inst.keys == nil:
		return 0
	}
	return NoDictVersion
}

// InstanceDictShape returns the entry-table tag of an instance's combined
// dictionary, or 0.
func InstanceDictShape(o Object) uint64 {
	if inst, ok := o.(*Instance); ok && inst.dict != nil {
		return inst.dict.shape
	}
	return 0
}

// DictEntryValue returns the value at offset off of d when the entry is
// live and keyed by name.
func DictEntryValue(d *Dict, off int, name string) Object {
	key, v, live := d.EntryAt(off)
	if !live || key != name {
		return nil
	}
	return v
}

// InstanceDictEntry is DictEntryValue applied to an instance's combined
// dictionary.
func InstanceDictEntry(o Object, off int, name string) Object {
	if inst, ok := o.(*Instance); ok && inst.dict != nil {
		return DictEntryValue(inst.dict, off, name)
	}
	return nil
}

// InstanceSplitValue returns an instance's split-layout value at idx, or nil.
func InstanceSplitValue(o Object, idx int) Object {
	if inst, ok := o.(*Instance); ok {
		return inst.SplitValue(idx)
	}
	return nil
}

// InstanceSlot returns an instance's slot value at idx, or nil.
func InstanceSlot(o Object, idx int) Object {
	if inst, ok := o.(*Instance); ok {
		return inst.Slot(idx)
	}
	return nil
}

// InstanceHasValues reports whether o is a split-layout instance whose value
// array exists.
func InstanceHasValues(o Object) bool {
	inst, ok := o.(*Instance)
	return ok && inst.keys != nil && inst.values != nil
}

// InstanceStoreSplit writes the split-layout value at idx, allocating the
// value array first when materialize is set. The caller has checked the
// guards that make the store valid.
func InstanceStoreSplit(o Object, idx int, v Object, materialize bool) bool {
	inst, ok := o.(*Instance)
	if !ok || inst.keys == nil || (inst.values == nil && !materialize) {
		return false
	}
	inst.storeSplit(idx, v)
	return true
}

// InstanceStoreSlot writes the slot at idx.
func InstanceStoreSlot(o Object, idx int, v Object) bool {
	inst, ok := o.(*Instance)
	if !ok || idx < 0 || idx >= len(inst.slots) {
		return false
	}
	inst.slots[idx] = v
	return true
}
