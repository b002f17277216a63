package vm

import (
	"fmt"
	"testing"
)

// stubCompiler hands out native code that immediately deoptimizes, so the
// interpreter keeps producing the results.
type stubCompiler struct {
	err      error
	compiled []*FunctionUnit
}

func (c *stubCompiler) Compile(rt *RuntimeContext, code *FunctionUnit) (NativeCode, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.compiled = append(c.compiled, code)
	return &deoptNative{}, nil
}

type deoptNative struct {
	runs int
}

func (n *deoptNative) Run(rt *RuntimeContext, ts *ThreadState, f *Frame) Exit {
	n.runs++
	return Exit{Word: ExitDeopt}
}

func (n *deoptNative) Size() int { return 16 }

func testTunables() Tunables {
	t := DefaultTunables()
	t.CacheThreshold = 2
	t.JITThreshold = 4
	t.OSRThreshold = 10
	return t
}

// countLoop builds count(n): i = 0; while i < n: i = i + 1; return i.
func countLoop() *FunctionUnit {
	b := NewBuilder("count", "n")
	b.LoadConst(Int(0))
	b.StoreFast("i")
	loop, done := b.NewLabel(), b.NewLabel()
	b.Line(2)
	b.Mark(loop)
	b.LoadFast("i")
	b.LoadFast("n")
	b.Compare(CmpLT)
	b.Jump(OpPopJumpIfFalse, done)
	b.LoadFast("i")
	b.LoadConst(Int(1))
	b.Op(OpBinaryAdd)
	b.StoreFast("i")
	b.Jump(OpJumpAbsolute, loop)
	b.Line(3)
	b.Mark(done)
	b.LoadFast("i")
	b.Op(OpReturnValue)
	return b.MustBuild()
}

func TestTieringCallThresholds(t *testing.T) {
	rt := NewRuntime(testTunables())
	c := &stubCompiler{}
	rt.Compiler = c
	code := countLoop()
	fn := NewFunction(code, NewDict())

	want := []TierState{TierCold, TierCacheWarm, TierCacheWarm, TierJITCompiled, TierJITCompiled}
	for i, state := range want {
		v, err := rt.Invoke(fn, Int(1))
		if err != nil {
			t.Fatal(err)
		}
		if v != Int(1) {
			t.Errorf("call %d = %s", i+1, Repr(v))
		}
		if code.Tier.State != state {
			t.Errorf("after call %d state = %s, want %s", i+1, code.Tier.State, state)
		}
	}
	if code.Caches == nil {
		t.Error("warm unit has no cache slots")
	}
	if len(c.compiled) != 1 {
		t.Errorf("compiled %d times, want 1", len(c.compiled))
	}
	if rt.Stats.NativeEntries == 0 || rt.Stats.Deopts == 0 {
		t.Errorf("stats = %+v, want native entries and deopts", rt.Stats)
	}
}

func TestTieringOSR(t *testing.T) {
	rt := NewRuntime(testTunables())
	c := &stubCompiler{}
	rt.Compiler = c
	code := countLoop()
	fn := NewFunction(code, NewDict())

	v, err := rt.Invoke(fn, Int(100))
	if err != nil {
		t.Fatal(err)
	}
	if v != Int(100) {
		t.Errorf("count(100) = %s", Repr(v))
	}
	if code.Tier.State != TierJITCompiled {
		t.Errorf("state = %s after a hot loop, want JIT_COMPILED", code.Tier.State)
	}
	if rt.Stats.OSREntries != 1 {
		t.Errorf("OSR entries = %d, want 1", rt.Stats.OSREntries)
	}
	if code.Tier.Calls != 1 {
		t.Errorf("calls = %d, want 1", code.Tier.Calls)
	}
}

func TestTieringCompileFailure(t *testing.T) {
	rt := NewRuntime(testTunables())
	rt.Compiler = &stubCompiler{err: fmt.Errorf("count: %w", ErrUnsupportedOpcode)}
	code := countLoop()
	fn := NewFunction(code, NewDict())

	for i := 0; i < 10; i++ {
		if _, err := rt.Invoke(fn, Int(3)); err != nil {
			t.Fatal(err)
		}
	}
	if code.Tier.State != TierJITFailed {
		t.Errorf("state = %s, want JIT_FAILED", code.Tier.State)
	}
	if rt.Stats.CompileFailures != 1 {
		t.Errorf("compile failures = %d, want 1", rt.Stats.CompileFailures)
	}
	if rt.JITDisabled() {
		t.Error("an unsupported opcode disabled the JIT globally")
	}
}

func TestTieringCodeMemoryExhausted(t *testing.T) {
	rt := NewRuntime(testTunables())
	c := &stubCompiler{err: ErrCodeMemoryExhausted}
	rt.Compiler = c

	first := countLoop()
	for i := 0; i < 5; i++ {
		if _, err := rt.Invoke(NewFunction(first, NewDict()), Int(1)); err != nil {
			t.Fatal(err)
		}
	}
	if !rt.JITDisabled() {
		t.Fatal("exhausted code memory did not disable compilation")
	}

	// Later units stay in the interpreter without another attempt.
	c.err = nil
	second := countLoop()
	for i := 0; i < 5; i++ {
		if _, err := rt.Invoke(NewFunction(second, NewDict()), Int(1)); err != nil {
			t.Fatal(err)
		}
	}
	if len(c.compiled) != 0 {
		t.Errorf("compiled %d units after exhaustion", len(c.compiled))
	}
	if second.Tier.State != TierCacheWarm {
		t.Errorf("second unit state = %s, want CACHE_WARM", second.Tier.State)
	}
}

func TestTieringJITDisabled(t *testing.T) {
	tun := testTunables()
	tun.JITEnabled = false
	rt := NewRuntime(tun)
	c := &stubCompiler{}
	rt.Compiler = c
	code := countLoop()

	if _, err := rt.Invoke(NewFunction(code, NewDict()), Int(50)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := rt.Invoke(NewFunction(code, NewDict()), Int(1)); err != nil {
			t.Fatal(err)
		}
	}
	if code.Tier.State != TierCacheWarm {
		t.Errorf("state = %s, want CACHE_WARM", code.Tier.State)
	}
	if len(c.compiled) != 0 {
		t.Errorf("compiled %d units with the JIT off", len(c.compiled))
	}
}

func TestTierStateString(t *testing.T) {
	tests := []struct {
		state TierState
		want  string
	}{
		{TierCold, "COLD"},
		{TierCacheWarm, "CACHE_WARM"},
		{TierJITCompiled, "JIT_COMPILED"},
		{TierJITFailed, "JIT_FAILED"},
		{TierState(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
