package vm

import (
	"testing"
)

func newTestInstance(t *testing.T, rt *RuntimeContext, typ *Type, attrs map[string]Object) *Instance {
	t.Helper()
	inst := NewInstance(typ)
	ts := NewThreadState()
	for _, name := range []string{"x", "y", "v", "color"} {
		if v, ok := attrs[name]; ok {
			if err := rt.SetAttr(ts, inst, name, v); err != nil {
				t.Fatalf("SetAttr(%s): %v", name, err)
			}
		}
	}
	return inst
}

// ---------------------------------------------------------------------------
// Attribute loads
// ---------------------------------------------------------------------------

func TestLoadAttrCacheMonomorphic(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewType("Point", nil, nil)
	p := newTestInstance(t, rt, typ, map[string]Object{"x": Int(1), "y": Int(2)})

	slot := &CacheSlot{Kind: CacheLoadAttr}
	for i := 0; i < 200; i++ {
		v, err := rt.LoadAttrCached(ts, slot, p, "x")
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if v != Int(1) {
			t.Fatalf("load %d = %s, want 1", i, Repr(v))
		}
	}

	if slot.Misses != 1 || slot.Hits != 199 {
		t.Errorf("misses/hits = %d/%d, want 1/199", slot.Misses, slot.Hits)
	}
	if _, ok := slot.Attr.(*AttrSplitIndex); !ok {
		t.Errorf("entry = %T, want *AttrSplitIndex", slot.Attr)
	}
	if slot.State() != CacheMonomorphic {
		t.Errorf("state = %s, want mono", slot.State())
	}
}

func TestLoadAttrCachePolymorphic(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	a := newTestInstance(t, rt, NewType("A", nil, nil), map[string]Object{"v": Int(1)})
	b := newTestInstance(t, rt, NewType("B", nil, nil), map[string]Object{"v": Int(2)})

	slot := &CacheSlot{Kind: CacheLoadAttr}
	total := Int(0)
	for i := 0; i < 10; i++ {
		for _, o := range []*Instance{a, b} {
			v, err := rt.LoadAttrCached(ts, slot, o, "v")
			if err != nil {
				t.Fatal(err)
			}
			total += v.(Int)
		}
	}

	if total != 30 {
		t.Errorf("total = %d, want 30", total)
	}
	poly, ok := slot.Attr.(*AttrPoly)
	if !ok {
		t.Fatalf("entry = %T, want *AttrPoly", slot.Attr)
	}
	if len(poly.Entries) != 2 {
		t.Errorf("poly entries = %d, want 2", len(poly.Entries))
	}
	if slot.Misses != 2 {
		t.Errorf("misses = %d, want 2", slot.Misses)
	}
}

func TestLoadAttrCacheOverflowDisables(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()

	var objs []*Instance
	for i := 0; i <= MaxPolyEntries; i++ {
		typ := NewType(string(rune('A'+i)), nil, nil)
		objs = append(objs, newTestInstance(t, rt, typ, map[string]Object{"v": Int(i)}))
	}

	slot := &CacheSlot{Kind: CacheLoadAttr}
	for i, o := range objs {
		v, err := rt.LoadAttrCached(ts, slot, o, "v")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(i) {
			t.Errorf("load %d = %s", i, Repr(v))
		}
		if i < MaxPolyEntries && slot.Disabled {
			t.Fatalf("disabled after %d shapes", i+1)
		}
	}
	if !slot.Disabled {
		t.Fatal("slot not disabled after overflowing the polymorphic entry")
	}

	// A disabled slot still answers correctly from the slow path.
	for i, o := range objs {
		v, err := rt.LoadAttrCached(ts, slot, o, "v")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(i) {
			t.Errorf("disabled load %d = %s", i, Repr(v))
		}
	}
	if slot.Hits != 0 {
		t.Errorf("hits = %d on a disabled slot", slot.Hits)
	}
	if slot.State() != CacheDisabled {
		t.Errorf("state = %s, want disabled", slot.State())
	}
}

func TestLoadAttrCachePolyEntryFailures(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typA := NewType("A", nil, map[string]Object{"color": Str("red")})
	typB := NewType("B", nil, map[string]Object{"color": Str("blue")})
	a := newTestInstance(t, rt, typA, map[string]Object{"x": Int(1)})
	b := newTestInstance(t, rt, typB, map[string]Object{"x": Int(2)})

	slot := &CacheSlot{Kind: CacheLoadAttr}
	load := func(o Object) Object {
		t.Helper()
		v, err := rt.LoadAttrCached(ts, slot, o, "color")
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	load(a)
	load(b)
	if slot.State() != CachePolymorphic {
		t.Fatalf("state = %s, want poly", slot.State())
	}

	// A's entry goes stale on every round while B keeps hitting, so the
	// slot-wide counter never builds up.
	for i := 1; i <= LoadAttrFailCeiling; i++ {
		if err := typA.SetAttr("color", Int(i)); err != nil {
			t.Fatal(err)
		}
		if got := load(a); got != Int(i) {
			t.Fatalf("round %d: a.color = %s", i, Repr(got))
		}
		if i == LoadAttrFailCeiling {
			break
		}
		if got := load(b); got != Str("blue") {
			t.Fatalf("round %d: b.color = %s", i, Repr(got))
		}
		if slot.Failed != 0 {
			t.Fatalf("round %d: slot failures = %d after a hit", i, slot.Failed)
		}
		if slot.Disabled {
			t.Fatalf("disabled after %d stale rounds", i)
		}
		poly := slot.Attr.(*AttrPoly)
		if e := findShape(poly.Entries, TypeIDOf(a)); e == nil || e.Header().Failed != uint8(i) {
			t.Fatalf("round %d: entry for A = %v", i, e)
		}
	}
	if !slot.Disabled {
		t.Fatal("slot not disabled by the failing sub-entry")
	}
	if got := load(b); got != Str("blue") {
		t.Errorf("disabled slot: b.color = %s", Repr(got))
	}
}

func TestLoadAttrCacheTypeMutation(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewType("Point", nil, map[string]Object{"color": Str("black")})
	p := newTestInstance(t, rt, typ, map[string]Object{"x": Int(1)})

	slot := &CacheSlot{Kind: CacheLoadAttr}
	load := func() Object {
		t.Helper()
		v, err := rt.LoadAttrCached(ts, slot, p, "color")
		if err != nil {
			t.Fatal(err)
		}
		return v
	}

	load()
	if got := load(); got != Str("black") {
		t.Fatalf("color = %s, want black", Repr(got))
	}
	if _, ok := slot.Attr.(*AttrValueSplit); !ok {
		t.Fatalf("entry = %T, want *AttrValueSplit", slot.Attr)
	}

	if err := typ.SetAttr("color", Str("white")); err != nil {
		t.Fatal(err)
	}
	if got := load(); got != Str("white") {
		t.Errorf("after type mutation color = %s, want white", Repr(got))
	}

	// The instance now shadows the type attribute.
	if err := rt.SetAttr(ts, p, "color", Str("red")); err != nil {
		t.Fatal(err)
	}
	if got := load(); got != Str("red") {
		t.Errorf("after shadowing color = %s, want red", Repr(got))
	}
	if got := load(); got != Str("red") {
		t.Errorf("cached shadowed color = %s, want red", Repr(got))
	}
}

func TestLoadAttrCacheDictInstance(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewType("Wide", nil, nil)
	inst := NewInstance(typ)
	// Exceeding the shared key table converts the instance to a dict.
	for i := 0; i <= MaxSharedKeys; i++ {
		if err := rt.SetAttr(ts, inst, string(rune('a'+i%26))+string(rune('0'+i/26)), Int(i)); err != nil {
			t.Fatal(err)
		}
	}
	if inst.InstanceDict() == nil {
		t.Fatal("instance still uses the split layout")
	}

	slot := &CacheSlot{Kind: CacheLoadAttr}
	for i := 0; i < 3; i++ {
		if err := rt.SetAttr(ts, inst, "a0", Int(100+i)); err != nil {
			t.Fatal(err)
		}
		v, err := rt.LoadAttrCached(ts, slot, inst, "a0")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(100+i) {
			t.Errorf("load %d = %s", i, Repr(v))
		}
	}
	if _, ok := slot.Attr.(*AttrOffset); !ok {
		t.Fatalf("entry after repeated refills = %T, want *AttrOffset", slot.Attr)
	}

	if err := rt.SetAttr(ts, inst, "a0", Int(7)); err != nil {
		t.Fatal(err)
	}
	v, err := rt.LoadAttrCached(ts, slot, inst, "a0")
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(7) {
		t.Errorf("offset load = %s, want 7", Repr(v))
	}
	if slot.Hits != 1 {
		t.Errorf("hits = %d, want 1", slot.Hits)
	}
}

func TestLoadAttrCacheUnversionedType(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewType("Point", nil, nil)
	p := newTestInstance(t, rt, typ, map[string]Object{"x": Int(1)})
	typ.version = 0

	slot := &CacheSlot{Kind: CacheLoadAttr}
	for i := 0; i < 3; i++ {
		v, err := rt.LoadAttrCached(ts, slot, p, "x")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(1) {
			t.Errorf("x = %s", Repr(v))
		}
	}
	if slot.Attr != nil {
		t.Errorf("entry = %T, want none for an unversioned type", slot.Attr)
	}
	if slot.Hits != 0 {
		t.Errorf("hits = %d, want 0", slot.Hits)
	}
}

func TestLoadAttrCacheBuiltinReceiver(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	slot := &CacheSlot{Kind: CacheLoadAttr}

	for i := 0; i < 2; i++ {
		v, err := rt.LoadAttrCached(ts, slot, Str("abc"), "upper")
		if err != nil {
			t.Fatal(err)
		}
		bm, ok := v.(*BoundMethod)
		if !ok {
			t.Fatalf("upper = %T, want *BoundMethod", v)
		}
		if bm.Self != Str("abc") {
			t.Errorf("bound self = %s", Repr(bm.Self))
		}
	}
	if _, ok := slot.Attr.(*AttrBuiltin); !ok {
		t.Errorf("entry = %T, want *AttrBuiltin", slot.Attr)
	}
	if slot.Hits != 1 {
		t.Errorf("hits = %d, want 1", slot.Hits)
	}
}

func TestLoadAttrCacheProperty(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	calls := 0
	getter := &Builtin{Name: "get", Arity: 1, Fn: func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
		calls++
		return Int(calls), nil
	}}
	typ := NewType("Counter", nil, map[string]Object{"n": &Property{Getter: getter}})
	c := NewInstance(typ)

	slot := &CacheSlot{Kind: CacheLoadAttr}
	for i := 1; i <= 3; i++ {
		v, err := rt.LoadAttrCached(ts, slot, c, "n")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(i) {
			t.Errorf("n = %s, want %d", Repr(v), i)
		}
	}
	if _, ok := slot.Attr.(*AttrDataDescr); !ok {
		t.Errorf("entry = %T, want *AttrDataDescr", slot.Attr)
	}
}

func TestLoadAttrCacheSlots(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewSlotsType("Pair", nil, []string{"a", "b"}, nil)
	p := NewInstance(typ)
	if err := rt.SetAttr(ts, p, "b", Int(9)); err != nil {
		t.Fatal(err)
	}

	slot := &CacheSlot{Kind: CacheLoadAttr}
	for i := 0; i < 2; i++ {
		v, err := rt.LoadAttrCached(ts, slot, p, "b")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(9) {
			t.Errorf("b = %s", Repr(v))
		}
	}
	if e, ok := slot.Attr.(*AttrSlot); !ok || e.Index != 1 {
		t.Errorf("entry = %#v, want slot 1", slot.Attr)
	}

	_, err := rt.LoadAttrCached(ts, &CacheSlot{Kind: CacheLoadAttr}, p, "a")
	if err == nil || !AsException(err).Matches(AttributeErrorType) {
		t.Errorf("unset slot: err = %v, want AttributeError", err)
	}
}

// ---------------------------------------------------------------------------
// Method loads
// ---------------------------------------------------------------------------

func TestLoadMethodCache(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	b := NewBuilder("norm", "self")
	b.LoadConst(Int(3))
	b.Op(OpReturnValue)
	norm := NewFunction(b.MustBuild(), NewDict())
	typ := NewType("Point", nil, map[string]Object{"norm": norm})
	p := newTestInstance(t, rt, typ, map[string]Object{"x": Int(1)})

	slot := &CacheSlot{Kind: CacheLoadMethod}
	for i := 0; i < 3; i++ {
		meth, self, err := rt.LoadMethodCached(ts, slot, p, "norm")
		if err != nil {
			t.Fatal(err)
		}
		if meth != Object(norm) || self != Object(p) {
			t.Errorf("load %d = (%s, %s), want unbound norm with receiver", i, Repr(meth), Repr(self))
		}
	}
	if slot.Hits != 2 {
		t.Errorf("hits = %d, want 2", slot.Hits)
	}

	// Attributes that are not methods come back with no receiver.
	slot = &CacheSlot{Kind: CacheLoadMethod}
	for i := 0; i < 2; i++ {
		meth, self, err := rt.LoadMethodCached(ts, slot, p, "x")
		if err != nil {
			t.Fatal(err)
		}
		if meth != Int(1) || self != nil {
			t.Errorf("x = (%s, %s), want (1, NULL)", Repr(meth), Repr(self))
		}
	}
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

func TestStoreAttrCacheSplit(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewType("Point", nil, nil)
	newTestInstance(t, rt, typ, map[string]Object{"x": Int(0)})

	slot := &CacheSlot{Kind: CacheStoreAttr}
	fresh := NewInstance(typ)
	if err := rt.StoreAttrCached(ts, slot, fresh, "x", Int(5)); err != nil {
		t.Fatal(err)
	}
	e, ok := slot.Store.(*StoreSplitIndex)
	if !ok {
		t.Fatalf("entry = %T, want *StoreSplitIndex", slot.Store)
	}
	if !e.Init {
		t.Error("entry built from an unmaterialized instance should initialize values")
	}

	other := NewInstance(typ)
	if err := rt.StoreAttrCached(ts, slot, other, "x", Int(6)); err != nil {
		t.Fatal(err)
	}
	if slot.Hits != 1 {
		t.Errorf("hits = %d, want 1", slot.Hits)
	}
	v, err := rt.GetAttr(ts, other, "x")
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(6) {
		t.Errorf("x = %s, want 6", Repr(v))
	}
}

func TestStoreAttrCacheSlot(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewSlotsType("Pair", nil, []string{"a", "b"}, nil)
	p := NewInstance(typ)

	slot := &CacheSlot{Kind: CacheStoreAttr}
	for i := 0; i < 3; i++ {
		if err := rt.StoreAttrCached(ts, slot, p, "a", Int(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := slot.Store.(*StoreSlot); !ok {
		t.Fatalf("entry = %T, want *StoreSlot", slot.Store)
	}
	if p.Slot(0) != Int(2) {
		t.Errorf("slot a = %s, want 2", Repr(p.Slot(0)))
	}
	if slot.Hits != 2 {
		t.Errorf("hits = %d, want 2", slot.Hits)
	}
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func TestLoadGlobalCache(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	globals := NewDict()
	globals.Set("limit", Int(10))

	slot := &CacheSlot{Kind: CacheLoadGlobal}
	for i := 0; i < 5; i++ {
		v, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "limit")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(10) {
			t.Errorf("limit = %s", Repr(v))
		}
	}
	if _, ok := slot.Global.(*GlobalValue); !ok {
		t.Errorf("entry = %T, want *GlobalValue", slot.Global)
	}
	if slot.Hits != 4 || slot.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 4/1", slot.Hits, slot.Misses)
	}

	if _, err := rt.LoadGlobalCached(&CacheSlot{Kind: CacheLoadGlobal}, globals, rt.Builtins, "missing"); err == nil || !AsException(err).Matches(NameErrorType) {
		t.Errorf("missing global: err = %v, want NameError", err)
	}
}

func TestLoadGlobalCacheBuiltinShadowing(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	globals := NewDict()
	slot := &CacheSlot{Kind: CacheLoadGlobal}

	v, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "len")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(*Builtin); !ok {
		t.Fatalf("len = %T", v)
	}
	if _, ok := slot.Global.(*GlobalBuiltin); !ok {
		t.Fatalf("entry = %T, want *GlobalBuiltin", slot.Global)
	}

	globals.Set("len", Int(5))
	v, err = rt.LoadGlobalCached(slot, globals, rt.Builtins, "len")
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(5) {
		t.Errorf("shadowed len = %s, want 5", Repr(v))
	}
}

func TestLoadGlobalCacheEscalatesToOffset(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	globals := NewDict()
	slot := &CacheSlot{Kind: CacheLoadGlobal}

	for i := 0; i <= OffsetEscalation; i++ {
		globals.Set("counter", Int(i))
		v, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "counter")
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(i) {
			t.Errorf("counter = %s, want %d", Repr(v), i)
		}
	}
	if _, ok := slot.Global.(*GlobalOffset); !ok {
		t.Fatalf("entry = %T, want *GlobalOffset", slot.Global)
	}

	globals.Set("counter", Int(42))
	v, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(42) {
		t.Errorf("counter = %s, want 42", Repr(v))
	}
	if slot.Hits != 1 {
		t.Errorf("hits = %d, want 1", slot.Hits)
	}

	globals.Delete("counter")
	if _, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "counter"); err == nil {
		t.Error("deleted global still loads through the offset entry")
	}
}

// ---------------------------------------------------------------------------
// Failure ceilings
// ---------------------------------------------------------------------------

func TestCacheFailureCeilings(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	ts := NewThreadState()
	typ := NewType("Config", nil, map[string]Object{"k": Int(1)})
	globals := NewDict()

	tests := []struct {
		kind    CacheKind
		ceiling int
		miss    func(slot *CacheSlot, i int) error
	}{
		{CacheLoadAttr, LoadAttrFailCeiling, func(slot *CacheSlot, i int) error {
			_, err := rt.LoadAttrCached(ts, slot, typ, "k")
			return err
		}},
		{CacheLoadMethod, LoadMethodFailCeiling, func(slot *CacheSlot, i int) error {
			_, _, err := rt.LoadMethodCached(ts, slot, typ, "k")
			return err
		}},
		{CacheStoreAttr, StoreAttrFailCeiling, func(slot *CacheSlot, i int) error {
			return rt.StoreAttrCached(ts, slot, typ, "k", Int(i))
		}},
		{CacheLoadGlobal, LoadGlobalFailCeiling, func(slot *CacheSlot, i int) error {
			globals.Set("churn", Int(i))
			_, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "len")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			slot := &CacheSlot{Kind: tt.kind}
			for i := 1; i <= tt.ceiling; i++ {
				if err := tt.miss(slot, i); err != nil {
					t.Fatal(err)
				}
				if i < tt.ceiling && slot.Disabled {
					t.Fatalf("disabled after %d misses, ceiling is %d", i, tt.ceiling)
				}
			}
			if !slot.Disabled {
				t.Errorf("not disabled after %d misses", tt.ceiling)
			}
		})
	}
}

func TestCacheHitResetsFailures(t *testing.T) {
	rt := NewRuntime(DefaultTunables())
	globals := NewDict()
	slot := &CacheSlot{Kind: CacheLoadGlobal}

	churn := func(n int) {
		for i := 0; i < n; i++ {
			globals.Set("churn", Int(i))
			if _, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "len"); err != nil {
				t.Fatal(err)
			}
		}
	}

	churn(LoadGlobalFailCeiling - 1)
	if _, err := rt.LoadGlobalCached(slot, globals, rt.Builtins, "len"); err != nil {
		t.Fatal(err)
	}
	if slot.Failed != 0 {
		t.Fatalf("failed = %d after a hit, want 0", slot.Failed)
	}
	churn(LoadGlobalFailCeiling - 1)
	if slot.Disabled {
		t.Error("slot disabled although misses were not consecutive")
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func TestAllocateCaches(t *testing.T) {
	b := NewBuilder("f", "o")
	b.LoadFast("o")
	b.LoadAttr("x")
	b.LoadGlobal("g")
	b.Op(OpBinaryAdd)
	b.Op(OpReturnValue)
	code := b.MustBuild()

	if !AllocateCaches(code) {
		t.Fatal("first allocation reported existing slots")
	}
	if AllocateCaches(code) {
		t.Error("second allocation did not report existing slots")
	}
	want := []CacheKind{CacheNone, CacheLoadAttr, CacheLoadGlobal, CacheNone, CacheNone}
	for i, k := range want {
		slot := code.CacheAt(i)
		switch {
		case k == CacheNone && slot != nil:
			t.Errorf("instruction %d has a slot", i)
		case k != CacheNone && (slot == nil || slot.Kind != k):
			t.Errorf("instruction %d: slot = %v, want kind %s", i, slot, k)
		}
	}

	var s CacheStats
	s.Add(code)
	if s.Sites != 2 || s.Empty != 2 {
		t.Errorf("stats = %+v, want 2 empty sites", s)
	}
}
