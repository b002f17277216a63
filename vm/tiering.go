package vm

import "errors"

// TierState is a function unit's position in the tiering state machine.
type TierState uint8

const (
	// TierCold units are interpreted without caches.
	TierCold TierState = iota
	// TierCacheWarm units are interpreted with inline caches.
	TierCacheWarm
	// TierJITCompiled units have native code attached.
	TierJITCompiled
	// TierJITFailed units stay cache-warm forever.
	TierJITFailed
)

func (s TierState) String() string {
	switch s {
	case TierCold:
		return "COLD"
	case TierCacheWarm:
		return "CACHE_WARM"
	case TierJITCompiled:
		return "JIT_COMPILED"
	case TierJITFailed:
		return "JIT_FAILED"
	}
	return "UNKNOWN"
}

// Tiering is the per-unit tiering state block. Counters only grow.
type Tiering struct {
	Calls    uint64
	HotLoops uint64
	State    TierState
}

// Compilation errors.
var (
	// ErrEncoding means an instruction cannot be emitted under the
	// fixed-size encoding constraints. The unit is never compiled again.
	ErrEncoding = errors.New("instruction cannot be encoded")
	// ErrCodeMemoryExhausted means the code arena budget is spent. No
	// further compilation happens in the process.
	ErrCodeMemoryExhausted = errors.New("code memory exhausted")
	// ErrUnsupportedOpcode means the compiler has no template for an opcode.
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
)

// OnCall records a call of code and performs the tier transitions the
// call count crosses.
func (rt *RuntimeContext) OnCall(code *FunctionUnit) {
	t := &code.Tier
	t.Calls++
	switch t.State {
	case TierCold:
		if t.Calls >= rt.Tunables.CacheThreshold {
			rt.warm(code)
		}
	case TierCacheWarm:
		if t.Calls >= rt.Tunables.JITThreshold {
			rt.compile(code)
		}
	}
}

// OnBackEdge records a backward branch taken by the interpreter in f. It
// reports whether the frame should continue in native code at f.PC, which
// the caller has already set to the loop head.
func (rt *RuntimeContext) OnBackEdge(f *Frame) bool {
	code := f.Code
	t := &code.Tier
	t.HotLoops++
	switch t.State {
	case TierCold:
		if t.HotLoops >= rt.Tunables.CacheThreshold {
			rt.warm(code)
		}
	case TierCacheWarm:
		if t.HotLoops >= rt.Tunables.OSRThreshold && rt.compile(code) {
			rt.Stats.OSREntries++
			rt.Log.Debugf("OSR into %s at instruction %d", code.Name, f.PC)
			return true
		}
	case TierJITCompiled:
		return code.Native != nil
	}
	return false
}

func (rt *RuntimeContext) warm(code *FunctionUnit) {
	if AllocateCaches(code) {
		for _, s := range code.Caches {
			if s != nil {
				rt.Stats.CacheSlotsAllocated++
			}
		}
	}
	code.Tier.State = TierCacheWarm
}

// compile attempts to compile a cache-warm unit and reports success.
func (rt *RuntimeContext) compile(code *FunctionUnit) bool {
	if !rt.Tunables.JITEnabled || rt.jitDisabled || rt.Compiler == nil {
		return false
	}
	native, err := rt.Compiler.Compile(rt, code)
	if err != nil {
		rt.Stats.CompileFailures++
		code.Tier.State = TierJITFailed
		if errors.Is(err, ErrCodeMemoryExhausted) {
			rt.jitDisabled = true
			if !rt.exhaustedLogged {
				rt.exhaustedLogged = true
				rt.Log.Warningf("JIT disabled: %s", err)
			}
			return false
		}
		rt.Log.Noticef("cannot compile %s: %s", code.Name, err)
		return false
	}
	code.Native = native
	code.Tier.State = TierJITCompiled
	rt.Stats.Compilations++
	rt.Log.Debugf("compiled %s (%d instructions, %d bytes)", code.Name, len(code.Instrs), native.Size())
	return true
}

// JITDisabled reports whether compilation was switched off because the
// code arena ran out.
func (rt *RuntimeContext) JITDisabled() bool {
	return rt.jitDisabled
}
