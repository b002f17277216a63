package vm

// Inline caching for attribute, method and global access.
//
// Every cacheable instruction of a cache-warm unit owns one CacheSlot. The
// slot starts empty, is filled on the first miss whose receiver shape can be
// represented, is rewritten on later misses, is promoted to a polymorphic
// entry when a second receiver shape shows up, and is disabled for good
// once its failure counter reaches the ceiling for its kind or its
// polymorphic entry overflows.

// Failure ceilings per cache kind.
const (
	StoreAttrFailCeiling  = 3
	LoadMethodFailCeiling = 5
	LoadAttrFailCeiling   = 8
	LoadGlobalFailCeiling = 8
)

// CacheState summarizes a slot for statistics.
type CacheState uint8

const (
	CacheEmpty CacheState = iota
	CacheMonomorphic
	CachePolymorphic
	CacheDisabled
)

func (s CacheState) String() string {
	switch s {
	case CacheMonomorphic:
		return "mono"
	case CachePolymorphic:
		return "poly"
	case CacheDisabled:
		return "disabled"
	}
	return "empty"
}

// CacheSlot is the guarded specialization record of one instruction.
type CacheSlot struct {
	Kind CacheKind

	Attr   AttrEntry // CacheLoadAttr, CacheLoadMethod
	Store  StoreEntry
	Global GlobalEntry

	// Failed counts consecutive misses. It saturates and resets on a hit.
	Failed   uint8
	Disabled bool

	Hits   uint64
	Misses uint64
}

// State returns the slot's summary state.
func (s *CacheSlot) State() CacheState {
	switch {
	case s.Disabled:
		return CacheDisabled
	case s.Attr != nil:
		if _, ok := s.Attr.(*AttrPoly); ok {
			return CachePolymorphic
		}
		return CacheMonomorphic
	case s.Store != nil, s.Global != nil:
		return CacheMonomorphic
	}
	return CacheEmpty
}

// Filled reports whether the slot holds a usable entry.
func (s *CacheSlot) Filled() bool {
	return !s.Disabled && (s.Attr != nil || s.Store != nil || s.Global != nil)
}

func (s *CacheSlot) ceiling() uint8 {
	switch s.Kind {
	case CacheStoreAttr:
		return StoreAttrFailCeiling
	case CacheLoadMethod:
		return LoadMethodFailCeiling
	case CacheLoadGlobal:
		return LoadGlobalFailCeiling
	}
	return LoadAttrFailCeiling
}

func (s *CacheSlot) hit() {
	s.Hits++
	s.Failed = 0
}

// RecordHits adds n hits taken by compiled guards, which bypass the
// slot's own lookup.
func (s *CacheSlot) RecordHits(n uint64) {
	if n == 0 {
		return
	}
	s.Hits += n
	s.Failed = 0
}

// miss records a miss and reports whether the slot may still be filled.
func (s *CacheSlot) miss() bool {
	s.Misses++
	if s.Disabled {
		return false
	}
	if s.Failed < 255 {
		s.Failed++
	}
	if s.Failed >= s.ceiling() {
		s.disable()
		return false
	}
	return true
}

func (s *CacheSlot) disable() {
	s.Disabled = true
	s.Attr = nil
	s.Store = nil
	s.Global = nil
}

// HitRate returns the slot's hit rate as a percentage (0-100).
func (s *CacheSlot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// AllocateCaches gives every cacheable instruction of code an empty slot.
// It returns false when the slots already exist.
func AllocateCaches(code *FunctionUnit) bool {
	if code.Caches != nil {
		return false
	}
	code.Caches = make([]*CacheSlot, len(code.Instrs))
	for i, in := range code.Instrs {
		if k := in.Op.Info().Cache; k != CacheNone {
			code.Caches[i] = &CacheSlot{Kind: k}
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Attribute loads
// ---------------------------------------------------------------------------

// LoadAttrAt implements LOAD_ATTR at instruction idx of f.
func (rt *RuntimeContext) LoadAttrAt(ts *ThreadState, f *Frame, idx int, owner Object) (Object, error) {
	name := f.Code.Names[f.Code.Instrs[idx].Arg]
	slot := f.Code.CacheAt(idx)
	if slot == nil {
		return rt.GetAttr(ts, owner, name)
	}
	return rt.LoadAttrCached(ts, slot, owner, name)
}

// LoadAttrCached performs a LOAD_ATTR through slot.
func (rt *RuntimeContext) LoadAttrCached(ts *ThreadState, slot *CacheSlot, owner Object, name string) (Object, error) {
	if e, v, ok := slot.matchAttr(owner, name); ok {
		slot.hitAttr(e)
		if dd, isDescr := e.(*AttrDataDescr); isDescr {
			return rt.descrGet(ts, dd.Descr, owner.(*Instance), name)
		}
		if e.Header().Bind {
			return bindMethod(owner, v), nil
		}
		return v, nil
	}
	fill := slot.missAttr(owner)
	v, err := rt.GetAttr(ts, owner, name)
	if err != nil {
		return nil, err
	}
	if fill {
		slot.fillAttr(owner, name)
	}
	return v, nil
}

// LoadMethodAt implements LOAD_METHOD at instruction idx of f. A non-nil
// self means meth is an unbound callable to be called with self prepended.
func (rt *RuntimeContext) LoadMethodAt(ts *ThreadState, f *Frame, idx int, owner Object) (meth, self Object, err error) {
	name := f.Code.Names[f.Code.Instrs[idx].Arg]
	slot := f.Code.CacheAt(idx)
	if slot == nil {
		return rt.LoadMethodSlow(ts, owner, name)
	}
	return rt.LoadMethodCached(ts, slot, owner, name)
}

// LoadMethodCached performs a LOAD_METHOD through slot.
func (rt *RuntimeContext) LoadMethodCached(ts *ThreadState, slot *CacheSlot, owner Object, name string) (meth, self Object, err error) {
	if e, v, ok := slot.matchAttr(owner, name); ok {
		slot.hitAttr(e)
		if dd, isDescr := e.(*AttrDataDescr); isDescr {
			v, err := rt.descrGet(ts, dd.Descr, owner.(*Instance), name)
			return v, nil, err
		}
		if e.Header().Bind {
			return v, owner, nil
		}
		return v, nil, nil
	}
	fill := slot.missAttr(owner)
	meth, self, err = rt.LoadMethodSlow(ts, owner, name)
	if err != nil {
		return nil, nil, err
	}
	if fill {
		slot.fillAttr(owner, name)
	}
	return meth, self, nil
}

func (s *CacheSlot) hitAttr(e AttrEntry) {
	s.hit()
	e.Header().Failed = 0
}

// missAttr records an attribute miss. Inside a polymorphic entry the
// sub-entry for the receiver's shape keeps its own failure count, so one
// shape that keeps missing disables the slot even while others hit.
func (s *CacheSlot) missAttr(owner Object) bool {
	if !s.miss() {
		return false
	}
	poly, ok := s.Attr.(*AttrPoly)
	if !ok {
		return true
	}
	e := findShape(poly.Entries, TypeIDOf(owner))
	if e == nil {
		return true
	}
	h := e.Header()
	if h.Failed < 255 {
		h.Failed++
	}
	if h.Failed >= s.ceiling() {
		s.disable()
		return false
	}
	return true
}

func (s *CacheSlot) matchAttr(owner Object, name string) (AttrEntry, Object, bool) {
	switch e := s.Attr.(type) {
	case nil:
		return nil, nil, false
	case *AttrPoly:
		return e.matchEntry(owner, name)
	default:
		v, ok := e.match(owner, name)
		return e, v, ok
	}
}

// fillAttr records the shape of owner after a successful slow-path lookup.
func (s *CacheSlot) fillAttr(owner Object, name string) {
	var prev AttrEntry
	switch cur := s.Attr.(type) {
	case nil:
	case *AttrPoly:
		prev = findShape(cur.Entries, TypeIDOf(owner))
	default:
		if cur.Header().TypeID == TypeIDOf(owner) {
			prev = cur
		}
	}
	e := buildAttrEntry(owner, name, prev)
	if e == nil {
		return
	}

	switch cur := s.Attr.(type) {
	case nil:
		s.Attr = e
	case *AttrPoly:
		for i, sub := range cur.Entries {
			if sub.Header().TypeID == e.Header().TypeID {
				e.Header().Failed = sub.Header().Failed
				cur.Entries[i] = e
				return
			}
		}
		if len(cur.Entries) >= MaxPolyEntries {
			s.disable()
			return
		}
		cur.Entries = append(cur.Entries, e)
	default:
		if prev != nil {
			s.Attr = e
			return
		}
		poly := &AttrPoly{Entries: make([]AttrEntry, 0, MaxPolyEntries)}
		poly.Entries = append(poly.Entries, cur, e)
		s.Attr = poly
	}
}

func findShape(entries []AttrEntry, typeID uint32) AttrEntry {
	for _, e := range entries {
		if e.Header().TypeID == typeID {
			return e
		}
	}
	return nil
}

// buildAttrEntry selects the cheapest variant whose guard is sound for the
// current state of owner, or returns nil when none can represent it. prev
// is the entry previously used for the same receiver shape, if any.
func buildAttrEntry(owner Object, name string, prev AttrEntry) AttrEntry {
	t := owner.Type()
	inst, ok := owner.(*Instance)
	if !ok {
		if _, isType := owner.(*Type); isType || !t.builtin {
			return nil
		}
		d := t.Lookup(name)
		if d == nil {
			return nil
		}
		return &AttrBuiltin{AttrHeader: AttrHeader{TypeID: t.id, Bind: isMethodDescriptor(d)}, Value: d}
	}

	if t.version == 0 {
		return nil
	}
	h := AttrHeader{TypeID: t.id, TypeVersion: t.version}
	d := t.Lookup(name)
	if d != nil && isDataDescriptor(d) {
		if sd, ok := d.(*SlotDescriptor); ok {
			if !t.IsSubtype(sd.Owner) {
				return nil
			}
			return &AttrSlot{AttrHeader: h, Index: sd.Index}
		}
		return &AttrDataDescr{AttrHeader: h, Descr: d}
	}

	switch {
	case inst.keys != nil:
		if idx := inst.keys.Index(name); idx >= 0 {
			if inst.SplitValue(idx) == nil || idx > MaxCacheIndex {
				return nil
			}
			return &AttrSplitIndex{AttrHeader: h, KeysID: inst.keys.id, Index: idx}
		}
		if d == nil {
			return nil
		}
		h.Bind = isMethodDescriptor(d)
		return &AttrValueSplit{AttrHeader: h, KeysVersion: inst.keys.version, Value: d}

	case inst.dict != nil:
		if v, ok := inst.dict.Get(name); ok {
			refills := uint8(0)
			if pv, ok := prev.(*AttrValueDict); ok {
				refills = pv.Refills + 1
			}
			if _, wasOffset := prev.(*AttrOffset); wasOffset || refills >= OffsetEscalation {
				if off := inst.dict.Offset(name); off <= MaxCacheOffset {
					return &AttrOffset{AttrHeader: h, Shape: inst.dict.shape, Offset: off}
				}
			}
			return &AttrValueDict{AttrHeader: h, DictVersion: inst.dict.version, Value: v, Refills: refills}
		}
		if d == nil {
			return nil
		}
		h.Bind = isMethodDescriptor(d)
		return &AttrValueDict{AttrHeader: h, DictVersion: inst.dict.version, Value: d}
	}

	// No attribute storage at all: only the type can supply the value.
	if d == nil {
		return nil
	}
	h.Bind = isMethodDescriptor(d)
	return &AttrValueDict{AttrHeader: h, DictVersion: 0, Value: d}
}

// ---------------------------------------------------------------------------
// Attribute stores
// ---------------------------------------------------------------------------

// StoreAttrAt implements STORE_ATTR at instruction idx of f.
func (rt *RuntimeContext) StoreAttrAt(ts *ThreadState, f *Frame, idx int, owner, v Object) error {
	name := f.Code.Names[f.Code.Instrs[idx].Arg]
	slot := f.Code.CacheAt(idx)
	if slot == nil {
		return rt.SetAttr(ts, owner, name, v)
	}
	return rt.StoreAttrCached(ts, slot, owner, name, v)
}

// StoreAttrCached performs a STORE_ATTR through slot.
func (rt *RuntimeContext) StoreAttrCached(ts *ThreadState, slot *CacheSlot, owner Object, name string, v Object) error {
	if slot.Store != nil && slot.Store.store(owner, v) {
		slot.hit()
		return nil
	}
	fill := slot.miss()
	inst, isInst := owner.(*Instance)
	unmaterialized := isInst && inst.keys != nil && !inst.HasValues()
	if err := rt.SetAttr(ts, owner, name, v); err != nil {
		return err
	}
	if fill && isInst {
		if e := buildStoreEntry(inst, name, unmaterialized); e != nil {
			slot.Store = e
		}
	}
	return nil
}

func buildStoreEntry(inst *Instance, name string, unmaterialized bool) StoreEntry {
	t := inst.typ
	if t.version == 0 {
		return nil
	}
	d := t.Lookup(name)
	if d != nil && isDataDescriptor(d) {
		if sd, ok := d.(*SlotDescriptor); ok && t.IsSubtype(sd.Owner) {
			return &StoreSlot{TypeVersion: t.version, Index: sd.Index}
		}
		return nil
	}
	if inst.keys == nil {
		return nil
	}
	idx := inst.keys.Index(name)
	if idx < 0 || idx > MaxCacheIndex {
		return nil
	}
	return &StoreSplitIndex{TypeVersion: t.version, KeysID: inst.keys.id, Index: idx, Init: unmaterialized}
}

// ---------------------------------------------------------------------------
// Global loads
// ---------------------------------------------------------------------------

// LoadGlobalAt implements LOAD_GLOBAL at instruction idx of f.
func (rt *RuntimeContext) LoadGlobalAt(ts *ThreadState, f *Frame, idx int) (Object, error) {
	name := f.Code.Names[f.Code.Instrs[idx].Arg]
	slot := f.Code.CacheAt(idx)
	if slot == nil {
		v, _, err := loadGlobalSlow(f.Globals, f.Builtins, name)
		return v, err
	}
	return rt.LoadGlobalCached(slot, f.Globals, f.Builtins, name)
}

// LoadGlobalCached performs a LOAD_GLOBAL through slot.
func (rt *RuntimeContext) LoadGlobalCached(slot *CacheSlot, globals, builtins *Dict, name string) (Object, error) {
	if slot.Global != nil {
		if v, ok := slot.Global.match(globals, builtins, name); ok {
			slot.hit()
			return v, nil
		}
	}
	fill := slot.miss()
	v, fromBuiltins, err := loadGlobalSlow(globals, builtins, name)
	if err != nil {
		return nil, err
	}
	if fill {
		slot.fillGlobal(globals, builtins, name, v, fromBuiltins)
	}
	return v, nil
}

func loadGlobalSlow(globals, builtins *Dict, name string) (Object, bool, error) {
	if v, ok := globals.Get(name); ok {
		return v, false, nil
	}
	if v, ok := builtins.Get(name); ok {
		return v, true, nil
	}
	return nil, false, Errorf(NameErrorType, "name '%s' is not defined", name)
}

func (s *CacheSlot) fillGlobal(globals, builtins *Dict, name string, v Object, fromBuiltins bool) {
	if fromBuiltins {
		s.Global = &GlobalBuiltin{GlobalsVersion: globals.version, BuiltinsVersion: builtins.version, Value: v}
		return
	}
	refills := uint8(0)
	switch prev := s.Global.(type) {
	case *GlobalValue:
		refills = prev.Refills + 1
	case *GlobalOffset:
		refills = OffsetEscalation
	}
	if refills >= OffsetEscalation {
		if off := globals.Offset(name); off <= MaxCacheOffset {
			s.Global = &GlobalOffset{Shape: globals.shape, Offset: off}
			return
		}
	}
	s.Global = &GlobalValue{GlobalsVersion: globals.version, Value: v, Refills: refills}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// CacheStats holds aggregate inline cache statistics.
type CacheStats struct {
	Sites       int
	Empty       int
	Monomorphic int
	Polymorphic int
	Disabled    int
	Hits        uint64
	Misses      uint64
}

// HitRate returns the aggregate hit rate as a percentage (0-100).
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// Add accumulates the slots of code into s.
func (s *CacheStats) Add(code *FunctionUnit) {
	for _, slot := range code.Caches {
		if slot == nil {
			continue
		}
		s.Sites++
		switch slot.State() {
		case CacheEmpty:
			s.Empty++
		case CacheMonomorphic:
			s.Monomorphic++
		case CachePolymorphic:
			s.Polymorphic++
		case CacheDisabled:
			s.Disabled++
		}
		s.Hits += slot.Hits
		s.Misses += slot.Misses
	}
}
