package vm

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Version counters
// ---------------------------------------------------------------------------

// versionCounter hands out process-unique tags for dictionaries and shared
// key tables. Tags are never reused, so equality of two tags proves that
// nothing changed in between.
var versionCounter atomic.Uint64

func nextVersion() uint64 {
	return versionCounter.Add(1)
}

// MaxTypeVersion bounds type version tags. Once exhausted, new tags are 0,
// which marks the type as uncacheable.
const MaxTypeVersion = 1<<31 - 1

var (
	typeVersionCounter atomic.Uint32
	typeIDCounter      atomic.Uint32
)

func nextTypeVersion() uint32 {
	v := typeVersionCounter.Add(1)
	if v > MaxTypeVersion {
		return 0
	}
	return v
}

// ---------------------------------------------------------------------------
// Keys: shared split-layout key table
// ---------------------------------------------------------------------------

// MaxSharedKeys is the number of attribute names a type's shared layout can
// hold. Instances that need more names switch to a private dictionary.
const MaxSharedKeys = 30

// Keys is the append-only attribute-name table shared by all split-layout
// instances of one type. An index, once assigned to a name, never changes.
type Keys struct {
	id      uint64 // identifies the table; stable for its lifetime
	version uint64 // changes whenever a name is appended
	names   []string
	index   map[string]int
}

func newKeys() *Keys {
	return &Keys{
		id:      nextVersion(),
		version: nextVersion(),
		index:   make(map[string]int),
	}
}

// ID returns the table's identity tag.
func (k *Keys) ID() uint64 { return k.id }

// Version returns the tag that changes on every append.
func (k *Keys) Version() uint64 { return k.version }

// Len returns the number of names in the table.
func (k *Keys) Len() int { return len(k.names) }

// Index returns the position of name or -1.
func (k *Keys) Index(name string) int {
	if i, ok := k.index[name]; ok {
		return i
	}
	return -1
}

// add appends name and returns its index. It reports false when the table
// is full.
func (k *Keys) add(name string) (int, bool) {
	if i, ok := k.index[name]; ok {
		return i, true
	}
	if len(k.names) >= MaxSharedKeys {
		return -1, false
	}
	k.names = append(k.names, name)
	k.index[name] = len(k.names) - 1
	k.version = nextVersion()
	return len(k.names) - 1, true
}

// ---------------------------------------------------------------------------
// Type
// ---------------------------------------------------------------------------

// Type describes a class of objects. User types carry a version tag that is
// reassigned, for the type and all of its subclasses, whenever a class
// attribute changes.
type Type struct {
	Name string
	Base *Type

	dict       *Dict
	id         uint32
	version    uint32
	builtin    bool
	slotNames  []string
	keys       *Keys
	subclasses []*Type
}

// Type implements Object.
func (t *Type) Type() *Type { return TypeType }

func newBuiltinType(name string, base *Type) *Type {
	t := &Type{
		Name:    name,
		Base:    base,
		dict:    NewDict(),
		id:      typeIDCounter.Add(1),
		version: nextTypeVersion(),
		builtin: true,
	}
	if base != nil {
		base.subclasses = append(base.subclasses, t)
	}
	return t
}

// NewType creates a user type whose instances store attributes in a split
// layout shared with the other instances of the type.
func NewType(name string, base *Type, attrs map[string]Object) *Type {
	if base == nil {
		base = ObjectType
	}
	t := &Type{
		Name:    name,
		Base:    base,
		dict:    NewDict(),
		id:      typeIDCounter.Add(1),
		version: nextTypeVersion(),
		keys:    newKeys(),
	}
	if base.slotNames != nil {
		t.slotNames = append([]string(nil), base.slotNames...)
	}
	base.subclasses = append(base.subclasses, t)
	setAttrsSorted(t.dict, attrs)
	return t
}

// NewSlotsType creates a user type whose instances have a fixed set of
// attribute slots and no per-instance dictionary.
func NewSlotsType(name string, base *Type, slots []string, attrs map[string]Object) *Type {
	if base == nil {
		base = ObjectType
	}
	t := &Type{
		Name:    name,
		Base:    base,
		dict:    NewDict(),
		id:      typeIDCounter.Add(1),
		version: nextTypeVersion(),
	}
	t.slotNames = append(append([]string(nil), base.slotNames...), slots...)
	base.subclasses = append(base.subclasses, t)
	for i := len(base.slotNames); i < len(t.slotNames); i++ {
		t.dict.Set(t.slotNames[i], &SlotDescriptor{Name: t.slotNames[i], Index: i, Owner: t})
	}
	setAttrsSorted(t.dict, attrs)
	return t
}

func setAttrsSorted(d *Dict, attrs map[string]Object) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d.Set(name, attrs[name])
	}
}

// ID returns the type's identity tag, used as the receiver shape hash.
func (t *Type) ID() uint32 { return t.id }

// Version returns the current version tag. Zero means uncacheable.
func (t *Type) Version() uint32 { return t.version }

// Builtin reports whether the type is an immutable builtin type.
func (t *Type) Builtin() bool { return t.builtin }

// Dict returns the type's own namespace.
func (t *Type) Dict() *Dict { return t.dict }

// SharedKeys returns the split-layout key table, or nil for slot-only and
// builtin types.
func (t *Type) SharedKeys() *Keys { return t.keys }

// SlotNames returns the slot layout of slot-only types.
func (t *Type) SlotNames() []string { return t.slotNames }

// HasInstanceDict reports whether instances carry per-instance attributes.
func (t *Type) HasInstanceDict() bool { return t.keys != nil }

// Lookup finds name along the base chain.
func (t *Type) Lookup(name string) Object {
	for c := t; c != nil; c = c.Base {
		if v, ok := c.dict.Get(name); ok {
			return v
		}
	}
	return nil
}

// IsSubtype reports whether t is base or derives from it.
func (t *Type) IsSubtype(base *Type) bool {
	for c := t; c != nil; c = c.Base {
		if c == base {
			return true
		}
	}
	return false
}

// SetAttr sets a class attribute and invalidates every cache that depends on
// the type or its subclasses.
func (t *Type) SetAttr(name string, v Object) error {
	if t.builtin {
		return NewError(TypeErrorType, fmt.Sprintf("cannot set '%s' attribute of immutable type '%s'", name, t.Name))
	}
	t.dict.Set(name, v)
	t.modified()
	return nil
}

// DelAttr removes a class attribute.
func (t *Type) DelAttr(name string) error {
	if t.builtin {
		return NewError(TypeErrorType, fmt.Sprintf("cannot delete '%s' attribute of immutable type '%s'", name, t.Name))
	}
	if !t.dict.Delete(name) {
		return NewError(AttributeErrorType, fmt.Sprintf("type object '%s' has no attribute '%s'", t.Name, name))
	}
	t.modified()
	return nil
}

func (t *Type) modified() {
	t.version = nextTypeVersion()
	for _, sub := range t.subclasses {
		sub.modified()
	}
}
