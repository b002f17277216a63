package vm

import "fmt"

// Instance is an object of a user type.
//
// Attribute storage takes one of three forms:
//   - split: names live in the type's shared Keys, values in a per-instance
//     array that is allocated on the first store;
//   - combined: a private Dict, used once the instance diverges from the
//     shared layout (an attribute was deleted or the layout is full);
//   - slots: a fixed array addressed through SlotDescriptors, for types
//     created with NewSlotsType.
type Instance struct {
	typ    *Type
	keys   *Keys
	values []Object
	dict   *Dict
	slots  []Object
}

// NewInstance allocates an instance of t without running any initializer.
func NewInstance(t *Type) *Instance {
	inst := &Instance{typ: t, keys: t.keys}
	if n := len(t.slotNames); n > 0 {
		inst.slots = make([]Object, n)
	}
	return inst
}

// Type implements Object.
func (inst *Instance) Type() *Type { return inst.typ }

// SplitKeys returns the shared key table while the instance uses the split
// layout, nil otherwise.
func (inst *Instance) SplitKeys() *Keys { return inst.keys }

// SplitValue returns the split-layout value at idx, or nil.
func (inst *Instance) SplitValue(idx int) Object {
	if inst.keys == nil || idx < 0 || idx >= len(inst.values) {
		return nil
	}
	return inst.values[idx]
}

// HasValues reports whether the split value array has been allocated.
func (inst *Instance) HasValues() bool { return inst.values != nil }

// InstanceDict returns the combined-layout dictionary, or nil.
func (inst *Instance) InstanceDict() *Dict { return inst.dict }

// Slot returns the slot value at idx, or nil when unset.
func (inst *Instance) Slot(idx int) Object {
	if idx < 0 || idx >= len(inst.slots) {
		return nil
	}
	return inst.slots[idx]
}

// materializeValues allocates the split value array.
func (inst *Instance) materializeValues() {
	if inst.values == nil {
		inst.values = make([]Object, MaxSharedKeys)
	}
}

// storeSplit writes a split-layout value; the caller has checked the layout.
func (inst *Instance) storeSplit(idx int, v Object) {
	inst.materializeValues()
	inst.values[idx] = v
}

func (inst *Instance) getOwn(name string) (Object, bool) {
	switch {
	case inst.keys != nil:
		if v := inst.SplitValue(inst.keys.Index(name)); v != nil {
			return v, true
		}
	case inst.dict != nil:
		return inst.dict.Get(name)
	}
	return nil, false
}

func (inst *Instance) setOwn(name string, v Object) error {
	switch {
	case inst.keys != nil:
		idx, ok := inst.keys.add(name)
		if ok {
			inst.storeSplit(idx, v)
			return nil
		}
		inst.convertToDict()
		inst.dict.Set(name, v)
		return nil
	case inst.dict != nil:
		inst.dict.Set(name, v)
		return nil
	}
	return NewError(AttributeErrorType, fmt.Sprintf("'%s' object has no attribute '%s'", inst.typ.Name, name))
}

func (inst *Instance) delOwn(name string) bool {
	if inst.keys != nil {
		if inst.SplitValue(inst.keys.Index(name)) == nil {
			return false
		}
		inst.convertToDict()
	}
	if inst.dict == nil {
		return false
	}
	return inst.dict.Delete(name)
}

// convertToDict moves the instance from the split to the combined layout.
func (inst *Instance) convertToDict() {
	d := NewDict()
	if inst.keys != nil {
		for i, name := range inst.keys.names {
			if v := inst.SplitValue(i); v != nil {
				d.Set(name, v)
			}
		}
	}
	inst.dict = d
	inst.keys = nil
	inst.values = nil
}
